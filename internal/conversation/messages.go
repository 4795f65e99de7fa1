package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
	"chat-memory/internal/repository"
)

// MessageLog is the append-only source of truth for conversation history.
type MessageLog struct {
	store     repository.Store
	resolver  OwnerResolver
	maxBytes  int
	retention time.Duration
	logger    zerolog.Logger
}

func NewMessageLog(store repository.Store, resolver OwnerResolver, maxBytes int, retention time.Duration, logger zerolog.Logger) (*MessageLog, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if maxBytes <= 0 {
		return nil, errors.New("conversation: content budget must be positive")
	}
	return &MessageLog{
		store:     store,
		resolver:  resolver,
		maxBytes:  maxBytes,
		retention: retention,
		logger:    logger,
	}, nil
}

// Append writes one new message. Content longer than the byte budget is
// truncated at a rune boundary.
func (l *MessageLog) Append(ctx context.Context, conversationID, tenantID string, role domain.Role, content string) (domain.Message, error) {
	if err := checkID("conversationId", conversationID); err != nil {
		return domain.Message{}, err
	}
	if err := checkID("tenantId", tenantID); err != nil {
		return domain.Message{}, err
	}
	if !role.Valid() {
		return domain.Message{}, invalid("role", fmt.Sprintf("%q is not one of system, user, assistant", role))
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, invalid("content", "must not be empty")
	}

	created := now().UTC()
	msg := domain.Message{
		MessageID:      newID(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		Role:           role,
		Content:        truncate(content, l.maxBytes),
		CreatedAt:      created,
	}
	if l.retention > 0 {
		msg.ExpiresAt = created.Add(l.retention)
	}
	if err := l.store.CreateMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("conversation: append message: %w", err)
	}
	return msg, nil
}

// History returns the most recent limit messages, oldest first. limit <= 0
// returns the whole log. When nothing is found under tenantID the resolver's
// owner is tried once.
func (l *MessageLog) History(ctx context.Context, conversationID, tenantID string, limit int) ([]domain.Message, error) {
	if err := checkID("conversationId", conversationID); err != nil {
		return nil, err
	}
	tenant, err := resolveTenant(ctx, l.resolver, conversationID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}

	msgs := []domain.Message{}
	if tenant != "" {
		msgs, err = l.store.ListMessages(ctx, tenant, conversationID, limit)
		if err != nil {
			return nil, fmt.Errorf("conversation: history: %w", err)
		}
	}
	if len(msgs) > 0 || l.resolver == nil || tenantID == "" {
		return msgs, nil
	}

	owner, err := l.resolver.Resolve(ctx, conversationID, "")
	if err != nil {
		l.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("owner lookup for history retry failed")
		return msgs, nil
	}
	if owner == "" || owner == tenant {
		return msgs, nil
	}
	l.logger.Info().
		Str("conversation_id", conversationID).
		Str("hinted_tenant", tenant).
		Str("tenant_id", owner).
		Msg("history found under a different owner")
	msgs, err = l.store.ListMessages(ctx, owner, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: history retry: %w", err)
	}
	return msgs, nil
}

// Delete removes every message of the conversation and reports how many.
func (l *MessageLog) Delete(ctx context.Context, conversationID, tenantID string) (int, error) {
	n, err := l.store.DeleteMessages(ctx, tenantID, conversationID)
	if err != nil {
		return n, fmt.Errorf("conversation: delete messages: %w", err)
	}
	return n, nil
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
