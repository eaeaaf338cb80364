package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для задач.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and report tasks",
	}

	cmd.AddCommand(
		newTaskListCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskReportCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTasksOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := clientFn().ListTasks(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "ACTION", "STATUS", "ATTEMPT", "ACCOUNT", "ERROR", "CREATED"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{t.ID, t.Action, t.Status, strconv.Itoa(t.Attempt), t.AccountID, t.Error, t.CreatedAt}
			}

			outputFn().Print(headers, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (queued, leased, pending, done, failed)")
	cmd.Flags().StringVar(&opts.SubjectID, "subject-id", "", "Filter by order or quota ID")
	cmd.Flags().StringVar(&opts.AccountID, "account-id", "", "Filter by account ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Fields([][2]string{
				{"ID", t.ID},
				{"Action", t.Action},
				{"Status", t.Status},
				{"Attempt", strconv.Itoa(t.Attempt)},
				{"Link", t.Link},
				{"Executor", t.Executor},
				{"Account", t.AccountID},
				{"Subject", joinSubject(t.SubjectKind, t.SubjectID)},
				{"Unsubscribe", t.UnsubscribeID},
				{"Lease expires", t.LeaseExpiresAt},
				{"Error", t.Error},
				{"Created", t.CreatedAt},
				{"Finished", t.FinishedAt},
			}, t)
			return nil
		},
	}
}

func newTaskReportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req ReportRequest
	var failed bool

	cmd := &cobra.Command{
		Use:   "report ID",
		Short: "Report a task result manually",
		Long: "Report a task result the way an executor would. " +
			"Use it to settle tasks stuck in pending after the external provider finished.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.OK = !failed
			if failed && req.Error == "" {
				return fmt.Errorf("--error is required with --failed")
			}

			resp, err := clientFn().ReportTask(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Report applied: %s", resp.Status))
			out.Print([]string{"TASK_ID", "STATUS"}, [][]string{{resp.TaskID, resp.Status}}, resp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "Report a failure instead of success")
	cmd.Flags().StringVar(&req.State, "state", "done", "Result state (done, pending)")
	cmd.Flags().StringVar(&req.Error, "error", "", "Error message for a failed result")
	cmd.Flags().IntVar(&req.RetryAfter, "retry-after", 0, "Retry hint in seconds")

	return cmd
}

func joinSubject(kind, id string) string {
	if id == "" {
		return ""
	}
	return kind + "/" + id
}
