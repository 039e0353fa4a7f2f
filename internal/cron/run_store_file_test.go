package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRunStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	store := NewFileRunStore(path)
	ctx := context.Background()

	exit := 0
	run := &RunRecord{
		ID:            "r1",
		TriggerName:   "disk-check",
		StartedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Status:        RunStatusRunning,
		CheckExitCode: &exit,
		CheckStdout:   "ok\n",
	}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	finished := run.StartedAt.Add(time.Minute)
	run.FinishedAt = &finished
	run.Status = RunStatusCompleted
	if err := store.Update(ctx, run); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// A fresh store over the same file must see the persisted record.
	reopened := NewFileRunStore(path)
	got, err := reopened.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record after reopen")
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, RunStatusCompleted)
	}
	if got.CheckExitCode == nil || *got.CheckExitCode != 0 {
		t.Errorf("CheckExitCode = %v, want 0", got.CheckExitCode)
	}
}

func TestFileRunStoreListFilters(t *testing.T) {
	store := NewFileRunStore(filepath.Join(t.TempDir(), "runs.json"))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed := []*RunRecord{
		{ID: "a", TriggerName: "disk", Status: RunStatusCompleted, StartedAt: base},
		{ID: "b", TriggerName: "disk", Status: RunStatusSkipped, StartedAt: base.Add(time.Minute)},
		{ID: "c", TriggerName: "certs", Status: RunStatusCompleted, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, run := range seed {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.List(ctx, RunFilter{TriggerName: "disk"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = [%s %s], want [b a] (newest first)", got[0].ID, got[1].ID)
	}

	got, err = store.List(ctx, RunFilter{Status: RunStatusCompleted, Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("filtered list = %+v, want [c]", got)
	}

	got, err = store.List(ctx, RunFilter{Offset: 5})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("offset past end should return nothing, got %d", len(got))
	}
}
