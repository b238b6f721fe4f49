package client

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	transports "github.com/rzbill/conductor/internal/cmd/client/transports"
	"github.com/rzbill/conductor/internal/store"
)

// NewJobCommand constructs the `job` command group and subcommands.
func NewJobCommand(baseURL BaseURLFunc) *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Job operations"}
	jobCmd.AddCommand(
		newJobSubmitCommand(baseURL),
		newJobGetCommand(baseURL),
		newJobListCommand(baseURL),
		newJobTasksCommand(baseURL),
		newJobWatchCommand(baseURL),
	)
	return jobCmd
}

func newJobSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task graph (JSON or YAML) as a new job",
		Example: `  conductor job submit -f scale_out.json
  cat graph.yaml | conductor job submit -f - --format yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			graph, err := readGraph(file, format, cmd.InOrStdin())
			if err != nil {
				return err
			}
			job, err := jobsTransport(baseURL).Submit(cmd.Context(), graph)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s submitted (%s)\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Graph document path, - for stdin")
	cmd.Flags().String("format", "json", "Document format when not implied by the extension: json|yaml")
	return cmd
}

func newJobGetCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			color, _ := cmd.Flags().GetBool("color")
			job, err := jobsTransport(baseURL).GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), job)
			}
			return prettyPrint(cmd.OutOrStdout(), job, color)
		},
	}
	cmd.Flags().Bool("json", false, "Print raw JSON")
	cmd.Flags().Bool("color", false, "Colorize pretty output")
	return cmd
}

func newJobListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Example: `  conductor job list --status error,rolling
  conductor job list --filter 'job.name.startsWith("scale") && job.status == "done"'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetStringSlice("status")
			cluster, _ := cmd.Flags().GetString("cluster")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			jobs, err := jobsTransport(baseURL).ListJobs(cmd.Context(), transports.ListJobsRequest{
				Status: status, ClusterID: cluster, Filter: filter, Limit: limit,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCLUSTER\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, j.ClusterID, j.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSlice("status", nil, "Only jobs in these statuses")
	cmd.Flags().String("cluster", "", "Only jobs of this cluster")
	cmd.Flags().String("filter", "", "CEL expression over `job`")
	cmd.Flags().Int("limit", 0, "Max jobs (server default when 0)")
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}

func newJobTasksCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <job-id>",
		Short: "List a job's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			tasks, err := jobsTransport(baseURL).Tasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tNEXT\tINFO")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Status, len(t.NextTasks), firstLine(t.Info))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}

func newJobWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var last *store.Job
			err := jobsTransport(baseURL).Watch(cmd.Context(), args[0], func(j *store.Job) error {
				last = j
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", j.UpdatedAt.Format(time.RFC3339), j.Status)
				return nil
			})
			if err != nil {
				return err
			}
			if last != nil && last.Status != store.JobDone {
				return fmt.Errorf("job %s finished as %s: %s", last.ID, last.Status, firstLine(last.Info))
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
