package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewOrderCmd создаёт команды для заказов.
func NewOrderCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Inspect orders"}
	cmd.AddCommand(newSubjectShowCmd(outputFn, func(ctx context.Context, id string) (*SubjectResponse, error) {
		return clientFn().GetOrder(ctx, id)
	}))
	return cmd
}

// NewQuotaCmd создаёт команды для квот.
func NewQuotaCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Inspect quotas"}
	cmd.AddCommand(newSubjectShowCmd(outputFn, func(ctx context.Context, id string) (*SubjectResponse, error) {
		return clientFn().GetQuota(ctx, id)
	}))
	return cmd
}

func newSubjectShowCmd(outputFn func() *Output, get func(ctx context.Context, id string) (*SubjectResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Fields([][2]string{
				{"ID", s.ID},
				{"Kind", s.Kind},
				{"Link", s.Link},
				{"Action", s.Exec.Action},
				{"Status", s.Progress.Status},
				{"Progress", fmt.Sprintf("%d/%d (remains %d)", s.Progress.Delivered, s.Progress.Quantity, s.Progress.Remains)},
				{"Next run", s.Exec.NextRunAt},
				{"Window ends", s.WindowEnd},
				{"Last error", s.Progress.LastError},
			}, s)
			return nil
		},
	}
}

// NewHealthCmd создаёт команду проверки API.
func NewHealthCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthy, body, err := clientFn().Health(cmd.Context())
			if err != nil {
				return err
			}

			out := outputFn()
			out.JSON(body)
			if !healthy {
				return fmt.Errorf("api is unhealthy")
			}
			return nil
		},
	}
}
