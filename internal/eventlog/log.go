// Package eventlog provides a per-session, replayable event buffer used by
// the gateway's streaming endpoints to resume a client after a dropped
// connection without losing events.
package eventlog

import (
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// ResumeHintRefreshSnapshot tells a client its cursor fell outside the
// retained window and it must fetch a fresh snapshot before resuming.
const ResumeHintRefreshSnapshot = "refresh_snapshot_then_resume"

// Envelope wraps an AgentEvent with the session-scoped monotonic id used
// for replay and gap detection.
type Envelope struct {
	ID        uint64
	SessionID string
	RunID     string
	Timestamp time.Time
	Event     models.AgentEvent
}

// Gap describes a cursor that has fallen outside the retained ring buffer.
type Gap struct {
	RequestedAfterID  uint64
	OldestAvailableID uint64
	NewestAvailableID uint64
	ResumeHint        string
}

// Subscription is the result of Subscribe: replay of already-buffered
// events plus a live channel for events published after the call.
type Subscription struct {
	Replay []Envelope
	Live   <-chan Envelope
	Gap    *Gap

	unsubscribe func()
}

// Close releases the live channel registration. Safe to call multiple times.
func (s *Subscription) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

type sessionBuffer struct {
	mu       sync.Mutex
	nextID   uint64
	ring     []Envelope
	capacity int
	subs     map[int]chan Envelope
	nextSub  int
}

func newSessionBuffer(capacity int) *sessionBuffer {
	return &sessionBuffer{
		nextID:   1,
		capacity: capacity,
		subs:     make(map[int]chan Envelope),
	}
}

// Log is a collection of per-session event buffers. The zero value is not
// usable; construct with New.
type Log struct {
	capacity int

	mu       sync.RWMutex
	sessions map[string]*sessionBuffer

	now func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithNow overrides the clock used to timestamp events. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an event log that retains up to capacity events per session.
func New(capacity int, opts ...Option) *Log {
	if capacity < 1 {
		capacity = 1
	}
	l := &Log{
		capacity: capacity,
		sessions: make(map[string]*sessionBuffer),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Publish appends event to the session's buffer, assigns it the next
// monotonic id, and fans it out to any live subscribers. It never blocks on
// a slow subscriber: a subscriber whose channel is full misses the live
// event and must rely on replay via Subscribe's after-id cursor.
func (l *Log) Publish(sessionID, runID string, event models.AgentEvent) Envelope {
	buf := l.bufferFor(sessionID)

	buf.mu.Lock()
	defer buf.mu.Unlock()

	envelope := Envelope{
		ID:        buf.nextID,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: l.now(),
		Event:     event,
	}
	buf.nextID++

	buf.ring = append(buf.ring, envelope)
	if len(buf.ring) > buf.capacity {
		buf.ring = buf.ring[len(buf.ring)-buf.capacity:]
	}

	for _, ch := range buf.subs {
		select {
		case ch <- envelope:
		default:
		}
	}

	return envelope
}

// Subscribe returns a replay of events newer than afterID (nil afterID
// replays nothing and only attaches the live channel) plus a channel that
// receives subsequently published events. If afterID has fallen outside the
// retained window, Gap is populated instead of a replay and the caller must
// fetch a fresh snapshot before resuming.
func (l *Log) Subscribe(sessionID string, afterID *uint64) *Subscription {
	buf := l.bufferFor(sessionID)

	buf.mu.Lock()
	defer buf.mu.Unlock()

	live := make(chan Envelope, l.capacity*2)
	id := buf.nextSub
	buf.nextSub++
	buf.subs[id] = live

	sub := &Subscription{
		Live: live,
		unsubscribe: func() {
			buf.mu.Lock()
			defer buf.mu.Unlock()
			delete(buf.subs, id)
		},
	}

	if afterID == nil {
		return sub
	}
	requested := *afterID

	if len(buf.ring) == 0 {
		return sub
	}

	oldest := buf.ring[0].ID
	newest := buf.ring[len(buf.ring)-1].ID

	if saturatingAdd(requested, 1) < oldest {
		sub.Gap = &Gap{
			RequestedAfterID:  requested,
			OldestAvailableID: oldest,
			NewestAvailableID: newest,
			ResumeHint:        ResumeHintRefreshSnapshot,
		}
		return sub
	}

	replay := make([]Envelope, 0, len(buf.ring))
	for _, e := range buf.ring {
		if e.ID > requested {
			replay = append(replay, e)
		}
	}
	sub.Replay = replay
	return sub
}

// SnapshotBounds returns the oldest and newest retained event ids for a
// session, and false if the session has no buffered events.
func (l *Log) SnapshotBounds(sessionID string) (oldest, newest uint64, ok bool) {
	buf := l.bufferFor(sessionID)

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.ring) == 0 {
		return 0, 0, false
	}
	return buf.ring[0].ID, buf.ring[len(buf.ring)-1].ID, true
}

func (l *Log) bufferFor(sessionID string) *sessionBuffer {
	l.mu.RLock()
	buf, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return buf
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if buf, ok := l.sessions[sessionID]; ok {
		return buf
	}
	buf = newSessionBuffer(l.capacity)
	l.sessions[sessionID] = buf
	return buf
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
