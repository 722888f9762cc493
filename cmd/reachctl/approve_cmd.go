package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCmd() *cobra.Command {
	var (
		reject         bool
		approveSimilar bool
	)

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Resolve a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := "approved"
			if reject {
				decision = "rejected"
			}
			body := map[string]any{
				"decision":        decision,
				"approve_similar": approveSimilar,
			}
			if err := postJSON("/approvals/"+args[0]+"/resolve", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approval %s: %s\n", args[0], decision)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().BoolVar(&approveSimilar, "approve-similar", false, "also auto-approve future similar requests this session")
	return cmd
}
