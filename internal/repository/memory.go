package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"chat-memory/internal/domain"
)

type memConversation struct {
	entry    *domain.Conversation
	messages []domain.Message
	window   *domain.Window
}

type memTenant struct {
	session       *domain.Session
	conversations map[string]*memConversation
	order         []string
}

// Memory is the ephemeral in-process Store used while the durable backend
// is unconfigured or unreachable. Nothing survives a restart and nothing is
// ever copied to or from the durable store. It never purges expired
// documents; readers check expiry themselves.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*memTenant
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty fallback store.
func NewMemory() *Memory {
	return &Memory{tenants: map[string]*memTenant{}}
}

func (m *Memory) Ping(context.Context) error { return nil }

// tenant returns the tenant bucket, creating it when create is set.
// Callers hold m.mu.
func (m *Memory) tenant(tenantID string, create bool) *memTenant {
	t, ok := m.tenants[tenantID]
	if !ok && create {
		t = &memTenant{conversations: map[string]*memConversation{}}
		m.tenants[tenantID] = t
	}
	return t
}

// conversation returns the conversation bucket. Callers hold m.mu.
func (m *Memory) conversation(tenantID, conversationID string, create bool) *memConversation {
	t := m.tenant(tenantID, create)
	if t == nil {
		return nil
	}
	c, ok := t.conversations[conversationID]
	if !ok && create {
		c = &memConversation{}
		t.conversations[conversationID] = c
		t.order = append(t.order, conversationID)
	}
	return c
}

func (m *Memory) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Profile = cloneStrings(s.Profile)
	m.tenant(s.TenantID, true).session = &s
	return nil
}

func (m *Memory) GetSession(_ context.Context, tenantID string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tenant(tenantID, false)
	if t == nil || t.session == nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", ErrNotFound)
	}
	s := *t.session
	s.Profile = cloneStrings(s.Profile)
	return s, nil
}

func (m *Memory) DeleteSession(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tenant(tenantID, false); t != nil {
		t.session = nil
	}
	return nil
}

func (m *Memory) CreateMessage(_ context.Context, msg domain.Message) error {
	if msg.TenantID == "" || msg.ConversationID == "" || msg.MessageID == "" {
		return fmt.Errorf("repository: CreateMessage: tenant, conversation and message ids are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversation(msg.TenantID, msg.ConversationID, true)
	for _, existing := range c.messages {
		if existing.MessageID == msg.MessageID {
			return fmt.Errorf("repository: CreateMessage %s: %w", msg.MessageID, ErrConflict)
		}
	}
	msg.ExpiresAt = expiry(msg.ExpiresAt)
	c.messages = append(c.messages, msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil {
		return []domain.Message{}, nil
	}
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) DeleteMessages(_ context.Context, tenantID, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil {
		return 0, nil
	}
	n := len(c.messages)
	c.messages = nil
	m.prune(tenantID, conversationID)
	return n, nil
}

func (m *Memory) GetWindow(_ context.Context, tenantID, conversationID string) (domain.Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil || c.window == nil {
		return domain.Window{}, fmt.Errorf("repository: GetWindow: %w", ErrNotFound)
	}
	w := *c.window
	w.Entries = make([]domain.WindowEntry, len(c.window.Entries))
	copy(w.Entries, c.window.Entries)
	return w, nil
}

func (m *Memory) PutWindow(_ context.Context, w domain.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Entries = append([]domain.WindowEntry(nil), w.Entries...)
	w.ExpiresAt = expiry(w.ExpiresAt)
	m.conversation(w.TenantID, w.ConversationID, true).window = &w
	return nil
}

func (m *Memory) DeleteWindow(_ context.Context, tenantID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conversation(tenantID, conversationID, false); c != nil {
		c.window = nil
		m.prune(tenantID, conversationID)
	}
	return nil
}

func (m *Memory) CreateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversation(conv.TenantID, conv.ConversationID, true)
	if c.entry != nil {
		return fmt.Errorf("repository: CreateConversation %s: %w", conv.ConversationID, ErrConflict)
	}
	conv.Metadata = cloneStrings(conv.Metadata)
	conv.ExpiresAt = expiry(conv.ExpiresAt)
	c.entry = &conv
	return nil
}

func (m *Memory) GetConversation(_ context.Context, tenantID, conversationID string) (domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil || c.entry == nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", ErrNotFound)
	}
	return cloneConversation(*c.entry), nil
}

func (m *Memory) UpdateConversation(_ context.Context, tenantID, conversationID string, patch domain.ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil || c.entry == nil {
		return fmt.Errorf("repository: UpdateConversation %s: %w", conversationID, ErrNotFound)
	}
	if patch.Title != nil {
		c.entry.Title = *patch.Title
	}
	if patch.IsActive != nil {
		c.entry.IsActive = *patch.IsActive
	}
	if patch.ArchivedAt != nil {
		c.entry.ArchivedAt = *patch.ArchivedAt
	}
	if patch.ResetCounter {
		c.entry.MessageCount = 0
	}
	return nil
}

func (m *Memory) TouchConversation(_ context.Context, tenantID, conversationID string, at, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversation(tenantID, conversationID, false)
	if c == nil || c.entry == nil {
		return fmt.Errorf("repository: TouchConversation %s: %w", conversationID, ErrNotFound)
	}
	c.entry.MessageCount++
	c.entry.LastActivityAt = at
	if !expiresAt.IsZero() {
		c.entry.ExpiresAt = expiry(expiresAt)
	}
	return nil
}

func (m *Memory) ListConversations(_ context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convs := []domain.Conversation{}
	t := m.tenant(tenantID, false)
	if t == nil {
		return convs, nil
	}
	for _, id := range t.order {
		if c := t.conversations[id]; c.entry != nil && c.entry.IsActive {
			convs = append(convs, cloneConversation(*c.entry))
		}
	}
	return sortAndLimit(convs, limit), nil
}

func (m *Memory) DeleteConversation(_ context.Context, tenantID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conversation(tenantID, conversationID, false); c != nil {
		c.entry = nil
		m.prune(tenantID, conversationID)
	}
	return nil
}

func (m *Memory) FindConversationOwner(_ context.Context, conversationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for tenantID, t := range m.tenants {
		if c, ok := t.conversations[conversationID]; ok && c.entry != nil {
			return tenantID, nil
		}
	}
	return "", fmt.Errorf("repository: FindConversationOwner %s: %w", conversationID, ErrNotFound)
}

func (m *Memory) Stats(_ context.Context, tenantID string) (domain.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := domain.Stats{TenantID: tenantID, Mode: ModeFallback}
	for id, t := range m.tenants {
		if tenantID != "" && id != tenantID {
			continue
		}
		counted := false
		if t.session != nil {
			st.Sessions++
			counted = true
		}
		for _, c := range t.conversations {
			if c.entry != nil {
				st.Conversations++
				if c.entry.IsActive {
					st.ActiveConversations++
				}
			}
			if c.window != nil {
				st.Windows++
			}
			st.Messages += len(c.messages)
			counted = counted || c.entry != nil || c.window != nil || len(c.messages) > 0
		}
		if counted {
			st.Tenants++
		}
	}
	return st, nil
}

// prune drops a conversation bucket once nothing is left in it.
// Callers hold m.mu for writing.
func (m *Memory) prune(tenantID, conversationID string) {
	t := m.tenant(tenantID, false)
	c := t.conversations[conversationID]
	if c.entry != nil || c.window != nil || len(c.messages) > 0 {
		return
	}
	delete(t.conversations, conversationID)
	for i, id := range t.order {
		if id == conversationID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Metadata = cloneStrings(c.Metadata)
	return c
}

// cloneStrings maps empty to nil, matching what the durable store decodes.
func cloneStrings(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

// expiry keeps the whole-second precision of the durable store's TTL
// attribute.
func expiry(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Truncate(time.Second).UTC()
}
