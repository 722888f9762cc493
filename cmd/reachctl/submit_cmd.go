package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		tokenBudget    int
		iterationLimit int
		timeoutSeconds float64
		errorPolicy    string
		follow         bool
	)

	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Submit a new task for the agent to plan and execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				SessionID string `json:"session_id"`
			}
			body := map[string]any{
				"task":            args[0],
				"token_budget":    tokenBudget,
				"iteration_limit": iterationLimit,
				"timeout_seconds": timeoutSeconds,
				"error_policy":    errorPolicy,
			}
			if err := postJSON("/sessions", body, &resp); err != nil {
				return err
			}
			fmt.Println(resp.SessionID)
			if follow {
				return streamEvents(cmd, resp.SessionID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tokenBudget, "token-budget", 0, "token budget override (0 uses the daemon default)")
	cmd.Flags().IntVar(&iterationLimit, "iteration-limit", 0, "iteration limit override (0 uses the daemon default)")
	cmd.Flags().Float64Var(&timeoutSeconds, "timeout", 0, "session wall-clock timeout in seconds (0 uses the daemon default)")
	cmd.Flags().StringVar(&errorPolicy, "error-policy", "", "stop|continue|retry (empty uses the daemon default)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the session's events after submitting")
	return cmd
}
