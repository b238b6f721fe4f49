package client

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewWorkerCommand constructs the `worker` command group.
func NewWorkerCommand(baseURL BaseURLFunc) *cobra.Command {
	workerCmd := &cobra.Command{Use: "worker", Short: "Worker operations"}
	workerCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the node's workers and their leadership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := jobsTransport(baseURL).Workers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tINSTANCE\tLEADER\tENABLED\tCONCURRENCY\tIN-FLIGHT")
			for _, w := range ws {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%d\t%d\n", w.Name, w.Instance, w.Leader, w.Enabled, w.Concurrency, w.InFlight)
			}
			return tw.Flush()
		},
	})
	return workerCmd
}

// NewQueueCommand constructs the `queue` command group.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Task queue operations"}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show task stream backlog per consumer group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := jobsTransport(baseURL).QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stream %s, last id %d\n", s.Stream, s.LastID)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tPENDING\tCONSUMERS")
			for _, g := range s.Groups {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", g.Group, g.Pending, len(g.Consumers))
			}
			return tw.Flush()
		},
	})
	return queueCmd
}

// NewHealthCommand constructs the `health` command, which queries the gRPC
// health service.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check node or worker health over gRPC",
		Example: `  conductor health
  conductor health --worker default`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			workerName, _ := cmd.Flags().GetString("worker")
			if workerName != "" {
				service = "conductor.worker." + workerName
			}
			st, err := healthTransport().Check(cmd.Context(), service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().String("service", "conductor", "Health service name")
	cmd.Flags().String("worker", "", "Check leadership of this worker name")
	return cmd
}
