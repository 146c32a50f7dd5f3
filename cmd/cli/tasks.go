package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"admitflow/internal/models"
	"admitflow/internal/store"

	"github.com/spf13/cobra"
)

var (
	taskStatus string
	taskLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and run deferred tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deferred tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := cliApp()
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, total, err := a.store.ListTasks(context.Background(), models.DeferredTaskStatus(taskStatus), store.Page{Page: 1, PageSize: taskLimit})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRUN AT\tSUBJECT\tLAST ERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.TaskType, t.Status, t.RunAt.Format(time.RFC3339), t.SubjectID, t.LastError)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d task(s)\n", len(tasks), total)
		return nil
	},
}

var tasksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one scheduler pass over due tasks and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := cliApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.scheduler.Sweep(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "due: %d, claimed: %d, dispatched: %d, failed: %d, abandoned: %d\n", res.Due, res.Claimed, res.Dispatched, res.Failed, res.Abandoned)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status (PENDING, CLAIMED, DISPATCHED, FAILED, ABANDONED)")
	tasksListCmd.Flags().IntVar(&taskLimit, "limit", 50, "maximum number of tasks to print")
	tasksCmd.AddCommand(tasksListCmd, tasksSweepCmd)
	rootCmd.AddCommand(tasksCmd)
}
