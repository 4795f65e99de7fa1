package conversation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
	"chat-memory/internal/repository"
)

// SessionStore keeps one fixed-lifetime session per tenant. Sessions are never
// renewed; re-authentication overwrites them.
type SessionStore struct {
	store  repository.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSessionStore(store repository.Store, ttl time.Duration, logger zerolog.Logger) (*SessionStore, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("conversation: session ttl must be positive")
	}
	return &SessionStore{store: store, ttl: ttl, logger: logger}, nil
}

// Create overwrites any existing session for tenantID and restarts the
// expiry clock.
func (s *SessionStore) Create(ctx context.Context, tenantID string, profile domain.Profile) (domain.Session, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return domain.Session{}, err
	}
	created := now().UTC()
	sess := domain.Session{
		TenantID:    tenantID,
		DisplayName: profile.DisplayName,
		Profile:     maps.Clone(profile.Fields),
		Token:       profile.Token,
		CreatedAt:   created,
		ExpiresAt:   created.Add(s.ttl),
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("conversation: create session: %w", err)
	}
	s.logger.Debug().Str("tenant_id", tenantID).Time("expires_at", sess.ExpiresAt).Msg("session created")
	return sess, nil
}

// Get returns the live session. An expired session is reported as not found
// whether or not the backend has purged it yet.
func (s *SessionStore) Get(ctx context.Context, tenantID string) (domain.Session, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return domain.Session{}, err
	}
	sess, err := s.store.GetSession(ctx, tenantID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("conversation: get session: %w", err)
	}
	if sess.Expired(now()) {
		return domain.Session{}, fmt.Errorf("conversation: session of %s expired at %s: %w",
			tenantID, sess.ExpiresAt.Format(time.RFC3339), repository.ErrNotFound)
	}
	return sess, nil
}

// Delete removes the session. Deleting an absent session succeeds.
func (s *SessionStore) Delete(ctx context.Context, tenantID string) (bool, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return false, err
	}
	if err := s.store.DeleteSession(ctx, tenantID); err != nil {
		return false, fmt.Errorf("conversation: delete session: %w", err)
	}
	return true, nil
}
