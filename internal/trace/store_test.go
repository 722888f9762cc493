package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	s, err := Open(dbPath, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartAndGetSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	if err := s.StartSession(ctx, "sess-1", "do the thing", start); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Task != "do the thing" {
		t.Errorf("expected task to round-trip, got: %q", got.Task)
	}
	if got.EndedAt != nil {
		t.Error("expected EndedAt nil before end_session")
	}
}

func TestEndSessionRecordsTotals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.StartSession(ctx, "sess-1", "task", time.Now())
	end := time.Now()
	if err := s.EndSession(ctx, "sess-1", end, 5, 1200, 0.042); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TotalEvents != 5 || got.TotalTokens != 1200 || got.TotalCost != 0.042 {
		t.Errorf("expected totals to persist, got: %+v", got)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt set after end_session")
	}
}

func TestSaveTraceIncrementsSessionEventCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "sess-1", "task", time.Now())

	if _, err := s.SaveTrace(ctx, Entry{SessionID: "sess-1", Type: "tool_called", Timestamp: time.Now(), Data: "{}"}); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if _, err := s.SaveTrace(ctx, Entry{SessionID: "sess-1", Type: "tool_result", Timestamp: time.Now(), Data: "{}"}); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.TotalEvents != 2 {
		t.Errorf("expected total_events=2, got: %d", sess.TotalEvents)
	}
}

func TestRawIOTruncation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	s, err := Open(dbPath, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.StartSession(ctx, "sess-1", "task", time.Now())

	longInput := "0123456789ABCDEFGHIJ"
	id, err := s.SaveTrace(ctx, Entry{SessionID: "sess-1", Type: "tool_called", Timestamp: time.Now(), RawInput: longInput})
	if err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	entries, err := s.GetTraces(ctx, Filters{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	var found *Entry
	for i := range entries {
		if entries[i].ID == id {
			found = &entries[i]
		}
	}
	if found == nil {
		t.Fatal("expected to find saved entry")
	}
	if len(found.RawInput) != 10 {
		t.Errorf("expected raw_input truncated to 10 bytes, got length: %d", len(found.RawInput))
	}
}

func TestGetTracesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "sess-1", "task", time.Now())
	s.StartSession(ctx, "sess-2", "task", time.Now())

	s.SaveTrace(ctx, Entry{SessionID: "sess-1", Type: "step_started", Timestamp: time.Now(), Data: "alpha payload"})
	s.SaveTrace(ctx, Entry{SessionID: "sess-1", Type: "tool_called", Timestamp: time.Now(), Data: "beta payload"})
	s.SaveTrace(ctx, Entry{SessionID: "sess-2", Type: "step_started", Timestamp: time.Now(), Data: "gamma payload"})

	bySession, err := s.GetTraces(ctx, Filters{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("expected 2 entries for sess-1, got: %d", len(bySession))
	}

	byType, err := s.GetTraces(ctx, Filters{Type: "step_started"})
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 step_started entries across sessions, got: %d", len(byType))
	}

	bySubstring, err := s.GetTraces(ctx, Filters{Substring: "beta"})
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	if len(bySubstring) != 1 {
		t.Errorf("expected 1 entry matching substring 'beta', got: %d", len(bySubstring))
	}
}

func TestCleanupOldTracesDeletesStrictlyOlderThanCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	s.StartSession(ctx, "old-sess", "task", now.AddDate(0, 0, -40))
	s.EndSession(ctx, "old-sess", now.AddDate(0, 0, -40), 1, 10, 0)
	s.SaveTrace(ctx, Entry{SessionID: "old-sess", Type: "message", Timestamp: now.AddDate(0, 0, -40)})

	s.StartSession(ctx, "new-sess", "task", now)
	s.SaveTrace(ctx, Entry{SessionID: "new-sess", Type: "message", Timestamp: now})

	deleted, err := s.CleanupOldTraces(ctx, 30, now)
	if err != nil {
		t.Fatalf("CleanupOldTraces: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 old entry deleted, got: %d", deleted)
	}

	remaining, err := s.GetTraces(ctx, Filters{})
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != "new-sess" {
		t.Errorf("expected only new-sess entry to remain, got: %+v", remaining)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "retention_days", "30"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	v, err := s.GetConfig(ctx, "retention_days")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if v != "30" {
		t.Errorf("expected '30', got: %q", v)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetSession(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}
