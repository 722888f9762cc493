package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newTracesCmd() *cobra.Command {
	var (
		sessionID string
		eventType string
		query     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Query persisted trace entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if sessionID != "" {
				q.Set("session_id", sessionID)
			}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if query != "" {
				q.Set("q", query)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}

			var resp struct {
				Traces []map[string]any `json:"traces"`
			}
			if err := getJSON("/traces?"+q.Encode(), &resp); err != nil {
				return err
			}
			for _, entry := range resp.Traces {
				fmt.Fprintf(cmd.OutOrStdout(), "%v\t%v\t%v\n", entry["timestamp"], entry["session_id"], entry["type"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&query, "q", "", "filter by raw-payload substring")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show (most recent)")
	return cmd
}
