package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
	"chat-memory/internal/repository"
)

// Window maintains the capped, most-recent-K view of each conversation.
//
// Sync is a read-modify-write of one document with no conditional write. Two
// concurrent syncs on the same conversation can both read the same window and
// the later write drops the other's entry. The entry is still in the
// MessageLog, and Read rebuilds from there once the window is gone.
type Window struct {
	store     repository.Store
	log       *MessageLog
	resolver  OwnerResolver
	capacity  int
	retention time.Duration
	logger    zerolog.Logger
}

func NewWindow(store repository.Store, log *MessageLog, resolver OwnerResolver, capacity int, retention time.Duration, logger zerolog.Logger) (*Window, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if log == nil {
		return nil, errors.New("conversation: message log must not be nil")
	}
	if capacity <= 0 {
		return nil, errors.New("conversation: window capacity must be positive")
	}
	return &Window{
		store:     store,
		log:       log,
		resolver:  resolver,
		capacity:  capacity,
		retention: retention,
		logger:    logger,
	}, nil
}

// Capacity is K.
func (w *Window) Capacity() int { return w.capacity }

// Sync appends msg to the window and trims it to the last K entries. A
// missing window counts as empty. It reports false without writing when the
// conversation's directory entry is gone or msg is already in the window.
func (w *Window) Sync(ctx context.Context, msg domain.Message) (bool, error) {
	if err := checkID("conversationId", msg.ConversationID); err != nil {
		return false, err
	}
	if err := checkID("tenantId", msg.TenantID); err != nil {
		return false, err
	}
	if !msg.Role.Valid() {
		return false, invalid("role", fmt.Sprintf("%q is not one of system, user, assistant", msg.Role))
	}
	if strings.TrimSpace(msg.Content) == "" {
		return false, invalid("content", "must not be empty")
	}
	log := w.logger.With().Str("tenant_id", msg.TenantID).Str("conversation_id", msg.ConversationID).Logger()

	// A sync queued before a hard delete must not resurrect the window.
	if _, err := w.store.GetConversation(ctx, msg.TenantID, msg.ConversationID); err != nil {
		if IsNotFound(err) {
			log.Debug().Msg("conversation gone, window sync skipped")
			return false, nil
		}
		return false, fmt.Errorf("conversation: sync window: %w", err)
	}

	current, err := w.store.GetWindow(ctx, msg.TenantID, msg.ConversationID)
	if err != nil && !IsNotFound(err) {
		return false, fmt.Errorf("conversation: sync window: %w", err)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = now()
	}
	entry := domain.WindowEntry{
		Role:      msg.Role,
		Content:   truncate(msg.Content, w.log.maxBytes),
		CreatedAt: created.UTC(),
	}
	for _, e := range current.Entries {
		if sameEntry(e, entry) {
			log.Debug().Msg("entry already in window")
			return false, nil
		}
	}
	entries := append(current.Entries, entry)
	if err := w.store.PutWindow(ctx, w.document(msg.ConversationID, msg.TenantID, entries, now().UTC())); err != nil {
		return false, fmt.Errorf("conversation: sync window: %w", err)
	}
	return true, nil
}

// Read returns the window entries, oldest first. A missing window, or one
// that lags the directory's lastActivityAt, is rebuilt from the last K
// messages and written back on a best-effort basis.
func (w *Window) Read(ctx context.Context, conversationID, tenantID string) ([]domain.WindowEntry, error) {
	if err := checkID("conversationId", conversationID); err != nil {
		return nil, err
	}
	tenant, err := resolveTenant(ctx, w.resolver, conversationID, tenantID)
	if err != nil {
		w.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("owner lookup failed, rebuilding window from history")
		tenant = ""
	}

	if tenant != "" {
		doc, err := w.store.GetWindow(ctx, tenant, conversationID)
		switch {
		case err == nil:
			if !w.behind(ctx, tenant, conversationID, doc.Entries) {
				return trim(doc.Entries, w.capacity), nil
			}
		case !IsNotFound(err):
			return nil, fmt.Errorf("conversation: read window: %w", err)
		}
	}

	msgs, err := w.log.History(ctx, conversationID, tenant, w.capacity)
	if err != nil {
		return nil, fmt.Errorf("conversation: rebuild window: %w", err)
	}
	entries := make([]domain.WindowEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, domain.WindowEntry{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	if len(msgs) > 0 {
		w.backfill(ctx, conversationID, msgs[0].TenantID, entries)
	}
	return entries, nil
}

// AsCompletionInput is Read reduced to {role, content}, optionally without
// system entries.
func (w *Window) AsCompletionInput(ctx context.Context, conversationID, tenantID string, includeSystem bool) ([]domain.ChatMessage, error) {
	entries, err := w.Read(ctx, conversationID, tenantID)
	if err != nil {
		return nil, err
	}
	return toChatMessages(entries, includeSystem), nil
}

// Delete removes the window document.
func (w *Window) Delete(ctx context.Context, conversationID, tenantID string) error {
	if err := w.store.DeleteWindow(ctx, tenantID, conversationID); err != nil {
		return fmt.Errorf("conversation: delete window: %w", err)
	}
	return nil
}

// behind reports whether the directory has seen a message newer than every
// window entry, which is what a lost sync leaves behind.
func (w *Window) behind(ctx context.Context, tenantID, conversationID string, entries []domain.WindowEntry) bool {
	log := w.logger.With().Str("tenant_id", tenantID).Str("conversation_id", conversationID).Logger()
	conv, err := w.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		if !IsNotFound(err) {
			log.Warn().Err(err).Msg("staleness check failed, serving stored window")
		}
		return false
	}
	var newest time.Time
	for _, e := range entries {
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	if !conv.LastActivityAt.After(newest) {
		return false
	}
	log.Debug().
		Time("window_newest", newest).
		Time("last_activity_at", conv.LastActivityAt).
		Msg("window behind directory, rebuilding")
	return true
}

func (w *Window) backfill(ctx context.Context, conversationID, tenantID string, entries []domain.WindowEntry) {
	if tenantID == "" {
		return
	}
	if err := w.store.PutWindow(ctx, w.document(conversationID, tenantID, entries, now().UTC())); err != nil {
		w.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("conversation_id", conversationID).
			Str("op", "window_backfill").
			Msg("window backfill failed")
		return
	}
	w.logger.Debug().Str("tenant_id", tenantID).Str("conversation_id", conversationID).Int("entries", len(entries)).Msg("window rebuilt from history")
}

func (w *Window) document(conversationID, tenantID string, entries []domain.WindowEntry, updated time.Time) domain.Window {
	doc := domain.Window{
		ConversationID: conversationID,
		TenantID:       tenantID,
		Entries:        trim(entries, w.capacity),
		Capacity:       w.capacity,
		UpdatedAt:      updated,
	}
	if w.retention > 0 {
		doc.ExpiresAt = updated.Add(w.retention)
	}
	return doc
}

func sameEntry(a, b domain.WindowEntry) bool {
	return a.Role == b.Role && a.Content == b.Content && a.CreatedAt.Equal(b.CreatedAt)
}

func trim(entries []domain.WindowEntry, k int) []domain.WindowEntry {
	if len(entries) > k {
		entries = entries[len(entries)-k:]
	}
	out := make([]domain.WindowEntry, len(entries))
	copy(out, entries)
	return out
}

func toChatMessages(entries []domain.WindowEntry, includeSystem bool) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(entries))
	for _, e := range entries {
		if e.Role == domain.RoleSystem && !includeSystem {
			continue
		}
		out = append(out, domain.ChatMessage{Role: string(e.Role), Content: e.Content})
	}
	return out
}
