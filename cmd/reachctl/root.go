package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

// newRootCmd builds the reachctl command tree. Every subcommand shares the
// base address set via --addr; each builds its own http.Client (30s timeout)
// through newHTTPClient.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reachctl",
		Short: "Control and observe reachd agent sessions",
		Long: `reachctl is a thin client for a running reachd daemon. It submits tasks,
streams their events, resolves pending approvals, and cancels sessions over
reachd's HTTP surface.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8787", "reachd base address")

	root.AddCommand(newSubmitCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newApproveCmd())
	root.AddCommand(newTracesCmd())
	return root
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
