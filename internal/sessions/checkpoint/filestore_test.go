package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func TestFileStoreSaveLoad(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	envelope := New("run-1", []models.Message{{Role: models.RoleUser, Content: "hi"}}, nil)
	if err := store.Save(ctx, "s1", envelope); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, ok, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to exist")
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", loaded.Messages)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, ok, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing checkpoint should not error: %v", err)
	}
	if ok {
		t.Fatal("missing checkpoint reported as present")
	}
}

func TestFileStoreSaveLeavesNoTempFile(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", New("r", nil, nil)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "latest.checkpoint" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir contents = %v, want only latest.checkpoint", names)
	}
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, "s1", New("r1", []models.Message{{Content: "first"}}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "s1", New("r2", []models.Message{{Content: "second"}}, nil)); err != nil {
		t.Fatal(err)
	}

	loaded, _, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunID != "r2" || loaded.Messages[0].Content != "second" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestFileStoreList(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Save(ctx, id, New(id, nil, nil)); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}

	empty := NewFileStore(filepath.Join(t.TempDir(), "missing"))
	infos, err = empty.List(ctx)
	if err != nil || infos != nil {
		t.Errorf("missing root should list nothing, got %v / %v", infos, err)
	}
}
