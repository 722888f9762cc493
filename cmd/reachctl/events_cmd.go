package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <session-id>",
		Short: "Stream a session's events until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents(cmd, args[0])
		},
	}
}

// streamEvents follows reachd's SSE endpoint line by line, printing each
// "event: data" pair as it arrives. It returns once the server closes the
// connection (the session reached a terminal state) or the request errors.
func streamEvents(cmd *cobra.Command, sessionID string) error {
	resp, err := newHTTPClient().Get(serverAddr + "/sessions/" + sessionID + "/events")
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeResponse(resp, nil)
	}

	var eventType string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", eventType, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}
