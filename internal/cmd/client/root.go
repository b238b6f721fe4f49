package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the conductor client.
// It registers the job, worker, queue and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "conductor client commands",
	}
	root.AddCommand(
		NewJobCommand(baseURL),
		NewWorkerCommand(baseURL),
		NewQueueCommand(baseURL),
		NewHealthCommand(),
	)
	return root
}
