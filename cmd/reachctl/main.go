// Command reachctl is a thin client for reachd's HTTP surface: submit a
// task, watch its events, resolve an approval, or cancel a running session.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
