package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewUnsubCmd создаёт группу команд для отложенных отписок.
func NewUnsubCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsub",
		Short: "Inspect deferred unsubscribes",
	}

	cmd.AddCommand(
		newUnsubListCmd(clientFn, outputFn),
		newUnsubShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newUnsubListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListUnsubscribesOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deferred unsubscribes",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := clientFn().ListUnsubscribes(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "ACCOUNT", "STATUS", "ATTEMPTS", "DUE", "LAST_ERROR"}
			rows := make([][]string, len(items))
			for i, u := range items {
				rows[i] = []string{u.ID, u.AccountID, u.Status, strconv.Itoa(u.Attempts), u.DueAt, u.LastError}
			}

			outputFn().Print(headers, rows, items)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, processing, done, failed)")
	cmd.Flags().StringVar(&opts.AccountID, "account-id", "", "Filter by account ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newUnsubShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show deferred unsubscribe details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := clientFn().GetUnsubscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Fields([][2]string{
				{"ID", u.ID},
				{"Account", u.AccountID},
				{"Link", u.Link},
				{"Status", u.Status},
				{"Attempts", strconv.Itoa(u.Attempts)},
				{"Due", u.DueAt},
				{"Source task", u.SourceTaskID},
				{"Task", u.TaskID},
				{"Last error", u.LastError},
			}, u)
			return nil
		},
	}
}
