package executor

import (
	"context"
	"encoding/json"

	"reach/agentcore/internal/events"
	"reach/agentcore/internal/telemetry"
	"reach/agentcore/internal/trace"
)

// RelayEventsToTrace subscribes to emitter and persists every event as a
// TraceEntry, satisfying the "every event is also written to the Trace
// Store" contract without requiring each publisher to know about trace
// itself. It runs until the returned stop func is called; stop blocks
// until the relay goroutine has exited.
func RelayEventsToTrace(emitter *events.Emitter, store *trace.Store, log *telemetry.Logger) (stop func()) {
	sub := emitter.Subscribe()
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ctx := context.Background()
		for {
			evt, ok := sub.Next(done)
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				log.Warnf("trace relay: could not marshal event data for %s: %v", evt.Type, err)
				data = []byte("{}")
			}
			entry := trace.Entry{
				SessionID: evt.SessionID,
				Type:      string(evt.Type),
				Timestamp: evt.Timestamp,
				Data:      string(data),
			}
			if _, err := store.SaveTrace(ctx, entry); err != nil {
				log.Warnf("trace relay: failed to save trace entry for %s: %v", evt.Type, err)
			}
		}
	}()

	return func() {
		close(done)
		sub.Close()
		<-finished
	}
}
