package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

const (
	defaultDebounceDelay = 500 * time.Millisecond
	defaultDebounceMax   = 2 * time.Second
)

// MessageDebouncer batches rapid-fire messages from one conversation into
// a single agent run: people often send a thought across three quick
// messages, and answering each separately wastes turns and reads badly.
// A batch flushes after a quiet period, or at the max wait, whichever
// comes first.
type MessageDebouncer struct {
	delay   time.Duration
	maxWait time.Duration
	onFlush func(ctx context.Context, messages []*models.Message) error

	mu      sync.Mutex
	buffers map[string]*debounceBuffer
	closed  bool
}

type debounceBuffer struct {
	messages  []*models.Message
	firstSeen time.Time
	timer     *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewMessageDebouncer creates a debouncer; non-positive durations use the
// defaults. onFlush runs on the debouncer's goroutine and should return
// before the flush context is considered done.
func NewMessageDebouncer(delay, maxWait time.Duration, onFlush func(ctx context.Context, messages []*models.Message) error) *MessageDebouncer {
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	if maxWait <= 0 {
		maxWait = defaultDebounceMax
	}
	return &MessageDebouncer{
		delay:   delay,
		maxWait: maxWait,
		onFlush: onFlush,
		buffers: make(map[string]*debounceBuffer),
	}
}

// Enqueue adds a message to its conversation's batch, starting or
// extending the quiet-period timer.
func (d *MessageDebouncer) Enqueue(ctx context.Context, key string, msg *models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	buf, exists := d.buffers[key]
	if !exists {
		bufCtx, cancel := context.WithCancel(ctx)
		buf = &debounceBuffer{firstSeen: time.Now(), ctx: bufCtx, cancel: cancel}
		d.buffers[key] = buf
	}
	buf.messages = append(buf.messages, msg)

	// The max wait caps how long the first message sits in the buffer.
	if time.Since(buf.firstSeen) >= d.maxWait {
		d.flushLocked(key, buf)
		return
	}
	d.armTimer(key, buf)
}

func (d *MessageDebouncer) armTimer(key string, buf *debounceBuffer) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	wait := d.delay
	if remaining := d.maxWait - time.Since(buf.firstSeen); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	buf.timer = time.AfterFunc(wait, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if current, ok := d.buffers[key]; ok && current == buf {
			d.flushLocked(key, buf)
		}
	})
}

// Flush forces a key's batch out immediately.
func (d *MessageDebouncer) Flush(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[key]; ok {
		d.flushLocked(key, buf)
	}
}

// FlushAll forces every pending batch out.
func (d *MessageDebouncer) FlushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, buf := range d.buffers {
		d.flushLocked(key, buf)
	}
}

// Close flushes everything and rejects further enqueues.
func (d *MessageDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, buf := range d.buffers {
		d.flushLocked(key, buf)
	}
}

// PendingCount reports how many batches are waiting.
func (d *MessageDebouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// flushLocked hands the batch to onFlush on its own goroutine. The
// buffer's context is cancelled only after onFlush returns.
func (d *MessageDebouncer) flushLocked(key string, buf *debounceBuffer) {
	delete(d.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	if len(buf.messages) == 0 {
		buf.cancel()
		return
	}

	messages := buf.messages
	flushCtx := buf.ctx
	go func() {
		defer buf.cancel()
		if d.onFlush != nil {
			_ = d.onFlush(flushCtx, messages)
		}
	}()
}

// ShouldDebounce reports whether a message may be batched. Commands run
// immediately.
func ShouldDebounce(msg *models.Message) bool {
	if msg == nil || msg.Content == "" {
		return false
	}
	first := msg.Content[0]
	return first != '/' && first != '!'
}

// BuildDebounceKey groups messages by conversation.
func BuildDebounceKey(msg *models.Message) string {
	if msg == nil {
		return ""
	}
	return string(msg.Channel) + ":" + msg.ChannelID
}
