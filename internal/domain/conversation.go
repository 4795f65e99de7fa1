package domain

import "time"

// Session is the short-lived authenticated identity of a tenant.
type Session struct {
	TenantID    string
	DisplayName string
	Profile     map[string]string
	Token       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Profile is what the identity collaborator returns for valid credentials.
type Profile struct {
	DisplayName string
	Fields      map[string]string
	Token       string
}

// Conversation is a directory entry.
type Conversation struct {
	ConversationID string
	TenantID       string
	Title          string
	Channel        string
	CreatedAt      time.Time
	LastActivityAt time.Time
	MessageCount   int
	IsActive       bool
	ArchivedAt     time.Time
	Metadata       map[string]string
	ExpiresAt      time.Time
}

// ConversationPatch lists the mutable directory fields. Nil fields are left untouched.
type ConversationPatch struct {
	Title        *string
	IsActive     *bool
	ArchivedAt   *time.Time
	ResetCounter bool
}

// Message is a single immutable entry of the append-only log.
type Message struct {
	MessageID      string
	ConversationID string
	TenantID       string
	Role           Role
	Content        string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// WindowEntry is one element of a ConversationWindow.
type WindowEntry struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Window is the capped, most-recent-K view of a conversation.
type Window struct {
	ConversationID string
	TenantID       string
	Entries        []WindowEntry
	Capacity       int
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// Stats is a read-only aggregate over one tenant or the whole store.
type Stats struct {
	TenantID            string `json:"tenantId,omitempty"`
	Mode                string `json:"mode"`
	Tenants             int    `json:"tenants"`
	Sessions            int    `json:"sessions"`
	Conversations       int    `json:"conversations"`
	ActiveConversations int    `json:"activeConversations"`
	Messages            int    `json:"messages"`
	Windows             int    `json:"windows"`
}
