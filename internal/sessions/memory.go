package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// MemoryStore keeps sessions and their message history in process memory.
// Everything returned to callers is a copy, so a caller mutating a
// session or message never bleeds into another goroutine's view; changes
// persist only through Update/AppendMessage.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	history  map[string][]*models.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		byKey:    make(map[string]string),
		history:  make(map[string][]*models.Message),
	}
}

var errSessionNotFound = errors.New("session not found")

// Create inserts a session. The id is generated when empty; a duplicate
// key is an error so routing-key affinity stays one-to-one.
func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Key != "" {
		if _, exists := m.byKey[session.Key]; exists {
			return errors.New("session key already in use")
		}
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	m.sessions[session.ID] = copySession(session)
	if session.Key != "" {
		m.byKey[session.Key] = session.ID
	}
	return nil
}

// Get returns the session by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return copySession(session), nil
}

// Update overwrites a stored session.
func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[session.ID]
	if !ok {
		return errSessionNotFound
	}
	if stored.Key != session.Key {
		delete(m.byKey, stored.Key)
		if session.Key != "" {
			m.byKey[session.Key] = session.ID
		}
	}
	session.UpdatedAt = time.Now()
	m.sessions[session.ID] = copySession(session)
	return nil
}

// Delete removes a session and its history.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return errSessionNotFound
	}
	delete(m.sessions, id)
	if session.Key != "" {
		delete(m.byKey, session.Key)
	}
	delete(m.history, id)
	return nil
}

// GetByKey returns the session bound to a routing key.
func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, errSessionNotFound
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return copySession(session), nil
}

// GetOrCreate returns the session bound to key, creating it on first
// contact. Creation and lookup share one critical section so two
// concurrent messages for a new routing key converge on one session.
func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if session, ok := m.sessions[id]; ok {
			return copySession(session), nil
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[session.ID] = session
	m.byKey[key] = session.ID
	return copySession(session), nil
}

// List returns sessions filtered by agent and channel, newest first.
func (m *MemoryStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		matched = append(matched, copySession(session))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*models.Session{}, nil
	}
	matched = matched[offset:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// AppendMessage adds one message to a session's history and bumps the
// session's update time.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return errSessionNotFound
	}
	m.history[sessionID] = append(m.history[sessionID], copyMessage(msg))
	session.UpdatedAt = time.Now()
	return nil
}

// GetHistory returns the most recent limit messages in chronological
// order; limit <= 0 returns everything.
func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.history[sessionID]
	if limit > 0 && len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	out := make([]*models.Message, len(stored))
	for i, msg := range stored {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func copySession(session *models.Session) *models.Session {
	copied := *session
	copied.Metadata = copyMetadata(session.Metadata)
	return &copied
}

func copyMessage(msg *models.Message) *models.Message {
	copied := *msg
	copied.Metadata = copyMetadata(msg.Metadata)
	copied.Attachments = append([]models.Attachment(nil), msg.Attachments...)
	copied.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	copied.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	return &copied
}

func copyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
