package repository

import (
	"context"
	"time"

	"chat-memory/internal/domain"
)

// Storage modes reported by Store.Stats and Failover.Mode.
const (
	ModeDurable  = "durable"
	ModeFallback = "fallback"
)

// Store is the storage contract shared by the durable DynamoDB store and the
// in-process fallback. Both must return the same shapes and the same error
// kinds for the same situation.
//
// Every method except FindConversationOwner and Stats("") is scoped to one
// tenant partition. Delete methods are idempotent.
type Store interface {
	PutSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, tenantID string) (domain.Session, error)
	DeleteSession(ctx context.Context, tenantID string) error

	// CreateMessage fails with ErrConflict if the message already exists.
	CreateMessage(ctx context.Context, msg domain.Message) error
	// ListMessages returns the most recent limit messages in ascending
	// chronological order. limit <= 0 returns all of them.
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error)
	DeleteMessages(ctx context.Context, tenantID, conversationID string) (int, error)

	GetWindow(ctx context.Context, tenantID, conversationID string) (domain.Window, error)
	PutWindow(ctx context.Context, w domain.Window) error
	DeleteWindow(ctx context.Context, tenantID, conversationID string) error

	// CreateConversation fails with ErrConflict if the entry already exists.
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, tenantID, conversationID string) (domain.Conversation, error)
	UpdateConversation(ctx context.Context, tenantID, conversationID string, patch domain.ConversationPatch) error
	// TouchConversation counts one more message, moves lastActivityAt and,
	// when expiresAt is set, pushes the expiry horizon out.
	TouchConversation(ctx context.Context, tenantID, conversationID string, at, expiresAt time.Time) error
	// ListConversations returns active entries by last activity, newest first.
	ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, tenantID, conversationID string) error

	// FindConversationOwner is a cross-partition lookup of the tenant that
	// owns a directory entry.
	FindConversationOwner(ctx context.Context, conversationID string) (string, error)
	// Stats aggregates one tenant, or every partition when tenantID is empty.
	Stats(ctx context.Context, tenantID string) (domain.Stats, error)
	Ping(ctx context.Context) error
}
