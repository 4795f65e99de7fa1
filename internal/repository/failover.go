package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
)

// Failover routes every call to the durable store until the durable store
// is found unconfigured or unreachable, then to the fallback for the rest of
// the process lifetime. The switch happens at most once and is never probed
// back.
type Failover struct {
	primary  Store
	fallback Store
	logger   zerolog.Logger
	degraded atomic.Bool
}

var _ Store = (*Failover)(nil)

// NewFailover probes primary once. A nil primary, or one whose Ping fails
// with anything but a transient error, starts the process in fallback mode.
func NewFailover(ctx context.Context, primary, fallback Store, logger zerolog.Logger) *Failover {
	f := &Failover{primary: primary, fallback: fallback, logger: logger}
	if primary == nil {
		f.degraded.Store(true)
		logger.Warn().Msg("durable store not configured, using in-process fallback")
		return f
	}
	if err := primary.Ping(ctx); err != nil {
		if errors.Is(err, ErrTransient) {
			logger.Warn().Err(err).Msg("durable store probe failed transiently, staying durable")
			return f
		}
		f.degrade("Ping", err)
	}
	return f
}

// Mode reports ModeDurable or ModeFallback.
func (f *Failover) Mode() string {
	if f.degraded.Load() {
		return ModeFallback
	}
	return ModeDurable
}

func (f *Failover) degrade(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Error().Err(err).Str("op", op).Msg("durable store unavailable, switching to in-process fallback for the process lifetime")
	}
}

func call[T any](f *Failover, op string, fn func(Store) (T, error)) (T, error) {
	if !f.degraded.Load() {
		out, err := fn(f.primary)
		if !errors.Is(err, ErrUnavailable) {
			return out, err
		}
		f.degrade(op, err)
	}
	return fn(f.fallback)
}

func exec(f *Failover, op string, fn func(Store) error) error {
	_, err := call(f, op, func(s Store) (struct{}, error) { return struct{}{}, fn(s) })
	return err
}

func (f *Failover) Ping(ctx context.Context) error {
	return exec(f, "Ping", func(s Store) error { return s.Ping(ctx) })
}

func (f *Failover) PutSession(ctx context.Context, sess domain.Session) error {
	return exec(f, "PutSession", func(s Store) error { return s.PutSession(ctx, sess) })
}

func (f *Failover) GetSession(ctx context.Context, tenantID string) (domain.Session, error) {
	return call(f, "GetSession", func(s Store) (domain.Session, error) { return s.GetSession(ctx, tenantID) })
}

func (f *Failover) DeleteSession(ctx context.Context, tenantID string) error {
	return exec(f, "DeleteSession", func(s Store) error { return s.DeleteSession(ctx, tenantID) })
}

func (f *Failover) CreateMessage(ctx context.Context, msg domain.Message) error {
	return exec(f, "CreateMessage", func(s Store) error { return s.CreateMessage(ctx, msg) })
}

func (f *Failover) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error) {
	return call(f, "ListMessages", func(s Store) ([]domain.Message, error) {
		return s.ListMessages(ctx, tenantID, conversationID, limit)
	})
}

func (f *Failover) DeleteMessages(ctx context.Context, tenantID, conversationID string) (int, error) {
	return call(f, "DeleteMessages", func(s Store) (int, error) { return s.DeleteMessages(ctx, tenantID, conversationID) })
}

func (f *Failover) GetWindow(ctx context.Context, tenantID, conversationID string) (domain.Window, error) {
	return call(f, "GetWindow", func(s Store) (domain.Window, error) { return s.GetWindow(ctx, tenantID, conversationID) })
}

func (f *Failover) PutWindow(ctx context.Context, w domain.Window) error {
	return exec(f, "PutWindow", func(s Store) error { return s.PutWindow(ctx, w) })
}

func (f *Failover) DeleteWindow(ctx context.Context, tenantID, conversationID string) error {
	return exec(f, "DeleteWindow", func(s Store) error { return s.DeleteWindow(ctx, tenantID, conversationID) })
}

func (f *Failover) CreateConversation(ctx context.Context, c domain.Conversation) error {
	return exec(f, "CreateConversation", func(s Store) error { return s.CreateConversation(ctx, c) })
}

func (f *Failover) GetConversation(ctx context.Context, tenantID, conversationID string) (domain.Conversation, error) {
	return call(f, "GetConversation", func(s Store) (domain.Conversation, error) {
		return s.GetConversation(ctx, tenantID, conversationID)
	})
}

func (f *Failover) UpdateConversation(ctx context.Context, tenantID, conversationID string, patch domain.ConversationPatch) error {
	return exec(f, "UpdateConversation", func(s Store) error {
		return s.UpdateConversation(ctx, tenantID, conversationID, patch)
	})
}

func (f *Failover) TouchConversation(ctx context.Context, tenantID, conversationID string, at, expiresAt time.Time) error {
	return exec(f, "TouchConversation", func(s Store) error {
		return s.TouchConversation(ctx, tenantID, conversationID, at, expiresAt)
	})
}

func (f *Failover) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	return call(f, "ListConversations", func(s Store) ([]domain.Conversation, error) {
		return s.ListConversations(ctx, tenantID, limit)
	})
}

func (f *Failover) DeleteConversation(ctx context.Context, tenantID, conversationID string) error {
	return exec(f, "DeleteConversation", func(s Store) error { return s.DeleteConversation(ctx, tenantID, conversationID) })
}

func (f *Failover) FindConversationOwner(ctx context.Context, conversationID string) (string, error) {
	return call(f, "FindConversationOwner", func(s Store) (string, error) {
		return s.FindConversationOwner(ctx, conversationID)
	})
}

func (f *Failover) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	return call(f, "Stats", func(s Store) (domain.Stats, error) { return s.Stats(ctx, tenantID) })
}
