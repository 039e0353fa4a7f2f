package sessions

import (
	"context"
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func TestMemoryStoreGetOrCreateAffinity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "telegram:dm:42", "main", models.ChannelTelegram, "42")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "telegram:dm:42", "main", models.ChannelTelegram, "42")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("same routing key produced different sessions: %s vs %s", first.ID, second.ID)
	}

	other, err := store.GetOrCreate(ctx, "telegram:dm:43", "main", models.ChannelTelegram, "43")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("different routing keys must not share a session")
	}
}

func TestMemoryStoreHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "k", "main", models.ChannelAPI, "k")
	if err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"one", "two", "three"} {
		if err := store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Content != "one" {
		t.Errorf("history = %v", history)
	}

	tail, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Content != "two" {
		t.Errorf("tail = %v", tail)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "k", "main", models.ChannelAPI, "k")
	if err != nil {
		t.Fatal(err)
	}
	session.AgentID = "mutated"

	reloaded, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.AgentID != "main" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "k", "main", models.ChannelAPI, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetByKey(ctx, "k"); err == nil {
		t.Error("key mapping should be gone after delete")
	}
	// The key is reusable for a fresh session afterwards.
	fresh, err := store.GetOrCreate(ctx, "k", "main", models.ChannelAPI, "k")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == session.ID {
		t.Error("deleted session id should not be reused")
	}
}
