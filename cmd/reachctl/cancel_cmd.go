package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var (
		mode       string
		resultMode string
	)

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Request cancellation of a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"mode": mode, "result_mode": resultMode}
			if err := postJSON("/sessions/"+args[0]+"/cancel", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "after_current", "immediate|after_current")
	cmd.Flags().StringVar(&resultMode, "result", "keep", "keep|rollback")
	return cmd
}
