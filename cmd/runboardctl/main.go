package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "runboardctl",
		Short:         "Utility for driving the runboard API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiBase, "api", defaultAPIBase(), "runboard API base URL")

	cmd.AddCommand(newTasksCommand(&apiBase))
	cmd.AddCommand(newRunsCommand(&apiBase))
	return cmd
}

func defaultAPIBase() string {
	if base := os.Getenv("RUNBOARD_API"); base != "" {
		return base
	}
	return "http://localhost:8080"
}

func newTasksCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Task registry operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.listTasks(cmd.Context(), cmd.OutOrStdout())
		},
	})

	return cmd
}

func newRunsCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Run lifecycle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var input string
	trigger := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Trigger a new run of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.triggerRun(cmd.Context(), cmd.OutOrStdout(), args[0], input)
		},
	}
	trigger.Flags().StringVar(&input, "input", "{}", "JSON input payload")
	cmd.AddCommand(trigger)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <task> <run-id>",
		Short: "Fetch a run with its timeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.getRun(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <task> <run-id>",
		Short: "Cancel a queued or executing run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.cancelRun(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <task> <run-id>",
		Short: "Spawn a retry run for a failed run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.retryRun(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "watch <task> <run-id>",
		Short: "Tail a run's event stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(*apiBase)
			return client.watchRun(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	})

	return cmd
}
