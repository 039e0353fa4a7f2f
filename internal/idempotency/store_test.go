package idempotency

import (
	"testing"
	"time"
)

func TestReturnsProceedForFirstRequestThenReplayAfterSave(t *testing.T) {
	store := New(60 * time.Second)
	req := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"title": "test"}}

	if got := store.Lookup(req); got.Outcome != Proceed {
		t.Fatalf("expected Proceed, got %v", got.Outcome)
	}

	resp := Response{StatusCode: 201, Body: map[string]any{"session_id": "s_1"}}
	store.Save(req, resp)

	second := store.Lookup(req)
	if second.Outcome != Replay {
		t.Fatalf("expected Replay, got %v", second.Outcome)
	}
	if second.Response.StatusCode != 201 {
		t.Fatalf("expected replayed status 201, got %d", second.Response.StatusCode)
	}
}

func TestReturnsConflictForSameKeyWithDifferentBody(t *testing.T) {
	store := New(60 * time.Second)
	first := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 1}}
	second := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 2}}

	store.Save(first, Response{StatusCode: 200, Body: map[string]any{"ok": true}})

	if got := store.Lookup(second); got.Outcome != Conflict {
		t.Fatalf("expected Conflict, got %v", got.Outcome)
	}
}

func TestSameKeyOnDifferentPathIsIndependent(t *testing.T) {
	store := New(60 * time.Second)
	first := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 1}}
	second := Request{Method: "POST", Path: "/v1/sessions/123/cancel", Key: "abc", Body: map[string]any{"run_id": "r1"}}

	store.Save(first, Response{StatusCode: 200, Body: map[string]any{"ok": true}})

	if got := store.Lookup(second); got.Outcome != Proceed {
		t.Fatalf("expected Proceed, got %v", got.Outcome)
	}
}

func TestMethodIsCaseInsensitiveInStorageKey(t *testing.T) {
	store := New(60 * time.Second)
	upper := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 1}}
	lower := Request{Method: "post", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 1}}

	store.Save(upper, Response{StatusCode: 200, Body: map[string]any{"ok": true}})

	if got := store.Lookup(lower); got.Outcome != Replay {
		t.Fatalf("expected Replay across method casing, got %v", got.Outcome)
	}
}

func TestRecordsExpireAfterRetentionWindow(t *testing.T) {
	now := time.Now()
	store := New(10*time.Millisecond, WithNow(func() time.Time { return now }))
	req := Request{Method: "POST", Path: "/v1/sessions", Key: "abc", Body: map[string]any{"a": 1}}

	store.Save(req, Response{StatusCode: 200, Body: map[string]any{"ok": true}})

	now = now.Add(20 * time.Millisecond)

	if got := store.Lookup(req); got.Outcome != Proceed {
		t.Fatalf("expected Proceed after expiry, got %v", got.Outcome)
	}
}
