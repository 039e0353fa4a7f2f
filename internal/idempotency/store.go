// Package idempotency provides a retention-windowed idempotency store for
// the gateway's HTTP API: replaying an earlier response for a repeated
// request, and rejecting a reused key whose body has changed.
package idempotency

import (
	"crypto/sha256"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Request identifies an idempotent operation.
type Request struct {
	Method string
	Path   string
	Key    string
	Body   any
}

func (r Request) storageKey() string {
	return strings.ToUpper(r.Method) + ":" + r.Path + ":" + r.Key
}

func (r Request) bodyHash() [32]byte {
	bytes, err := json.Marshal(r.Body)
	if err != nil {
		bytes = []byte(fmtAny(r.Body))
	}
	return sha256.Sum256(bytes)
}

func fmtAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Response is a stored HTTP response eligible for replay.
type Response struct {
	StatusCode int
	Body       any
}

// Outcome is the result of a Lookup.
type Outcome int

const (
	// Proceed means no prior record exists; the caller should execute the
	// operation and Save its response.
	Proceed Outcome = iota
	// Replay means an identical request (same key, same body hash) was
	// already handled; the caller should return the stored response
	// without re-executing the operation.
	Replay
	// Conflict means the key was reused with a different body; the caller
	// should reject the request.
	Conflict
)

// Result is the full outcome of a Lookup, including the stored response
// when Outcome is Replay.
type Result struct {
	Outcome  Outcome
	Response Response
}

type record struct {
	bodyHash   [32]byte
	response   Response
	insertedAt time.Time
}

// Store holds idempotency records for a bounded retention window.
type Store struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	records map[string]record
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock. Used in tests to simulate retention expiry
// deterministically.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an idempotency store that retains records for the given
// duration.
func New(retention time.Duration, opts ...Option) *Store {
	s := &Store{
		retention: retention,
		now:       time.Now,
		records:   make(map[string]record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup prunes expired records and reports whether req should proceed,
// replay a stored response, or be rejected as a conflicting reuse of key.
func (s *Store) Lookup(req Request) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredLocked()

	rec, ok := s.records[req.storageKey()]
	if !ok {
		return Result{Outcome: Proceed}
	}
	if rec.bodyHash == req.bodyHash() {
		return Result{Outcome: Replay, Response: rec.response}
	}
	return Result{Outcome: Conflict}
}

// Save records resp as the outcome of req for later replay.
func (s *Store) Save(req Request, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredLocked()

	s.records[req.storageKey()] = record{
		bodyHash:   req.bodyHash(),
		response:   resp,
		insertedAt: s.now(),
	}
}

func (s *Store) pruneExpiredLocked() {
	now := s.now()
	for key, rec := range s.records {
		if now.Sub(rec.insertedAt) > s.retention {
			delete(s.records, key)
		}
	}
}
