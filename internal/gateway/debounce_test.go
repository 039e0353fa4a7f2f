package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func collectFlushes() (*sync.Mutex, *[][]*models.Message, func(context.Context, []*models.Message) error) {
	var mu sync.Mutex
	var batches [][]*models.Message
	return &mu, &batches, func(ctx context.Context, messages []*models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, messages)
		return nil
	}
}

func TestDebouncerBatchesBursts(t *testing.T) {
	mu, batches, onFlush := collectFlushes()
	debouncer := NewMessageDebouncer(30*time.Millisecond, time.Second, onFlush)
	defer debouncer.Close()

	ctx := context.Background()
	debouncer.Enqueue(ctx, "k", &models.Message{Content: "part one"})
	debouncer.Enqueue(ctx, "k", &models.Message{Content: "part two"})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := len(*batches) == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len((*batches)[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len((*batches)[0]))
	}
}

func TestDebouncerFlushForcesDelivery(t *testing.T) {
	mu, batches, onFlush := collectFlushes()
	debouncer := NewMessageDebouncer(time.Hour, time.Hour, onFlush)
	defer debouncer.Close()

	debouncer.Enqueue(context.Background(), "k", &models.Message{Content: "waiting"})
	debouncer.Flush("k")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := len(*batches) == 1
		mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("flush never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebouncerSeparateKeys(t *testing.T) {
	_, _, onFlush := collectFlushes()
	debouncer := NewMessageDebouncer(time.Hour, time.Hour, onFlush)
	defer debouncer.Close()

	ctx := context.Background()
	debouncer.Enqueue(ctx, "a", &models.Message{Content: "one"})
	debouncer.Enqueue(ctx, "b", &models.Message{Content: "two"})
	if got := debouncer.PendingCount(); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
}

func TestShouldDebounce(t *testing.T) {
	if ShouldDebounce(&models.Message{Content: "/abort"}) {
		t.Error("commands must not be debounced")
	}
	if !ShouldDebounce(&models.Message{Content: "normal text"}) {
		t.Error("plain messages should be debounced")
	}
	if ShouldDebounce(nil) {
		t.Error("nil message should not be debounced")
	}
}
