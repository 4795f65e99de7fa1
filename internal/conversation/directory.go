package conversation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chat-memory/internal/domain"
	"chat-memory/internal/repository"
)

// NewEntry describes a conversation to create when getOrCreate finds none.
type NewEntry struct {
	Title    string
	Channel  string
	Metadata map[string]string
}

// Directory is the per-tenant catalog of conversations.
type Directory struct {
	store     repository.Store
	resolver  OwnerResolver
	retention time.Duration
	logger    zerolog.Logger
}

func NewDirectory(store repository.Store, resolver OwnerResolver, retention time.Duration, logger zerolog.Logger) (*Directory, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	return &Directory{store: store, resolver: resolver, retention: retention, logger: logger}, nil
}

// GetOrCreate returns hint untouched when the tenant already has that entry.
// Otherwise it creates an active entry with zero counters, under hint when
// given or under a freshly minted id. A hint owned by another tenant is never
// reused; the caller gets a fresh id instead.
func (d *Directory) GetOrCreate(ctx context.Context, tenantID, hint string, entry NewEntry) (string, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return "", err
	}
	hint = strings.TrimSpace(hint)
	if hint != "" {
		if err := checkID("conversationId", hint); err != nil {
			return "", err
		}
		_, err := d.store.GetConversation(ctx, tenantID, hint)
		if err == nil {
			return hint, nil
		}
		if !IsNotFound(err) {
			return "", fmt.Errorf("conversation: get or create: %w", err)
		}
		owner, err := d.ownerOf(ctx, hint)
		if err != nil {
			return "", fmt.Errorf("conversation: get or create: %w", err)
		}
		if owner != "" && owner != tenantID {
			d.logger.Warn().Str("tenant_id", tenantID).Str("conversation_id", hint).Msg("conversation id taken by another tenant, minting a new one")
			hint = ""
		}
	}

	id := hint
	if id == "" {
		id = newID()
	}
	created := now().UTC()
	conv := domain.Conversation{
		ConversationID: id,
		TenantID:       tenantID,
		Title:          strings.TrimSpace(entry.Title),
		Channel:        entry.Channel,
		CreatedAt:      created,
		LastActivityAt: created,
		IsActive:       true,
		Metadata:       maps.Clone(entry.Metadata),
	}
	if d.retention > 0 {
		conv.ExpiresAt = created.Add(d.retention)
	}
	err := d.store.CreateConversation(ctx, conv)
	if errors.Is(err, repository.ErrConflict) {
		// Lost a create race for the same hint; the winner's entry stands.
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("conversation: create entry: %w", err)
	}
	if d.resolver != nil {
		d.resolver.Remember(ctx, id, tenantID)
	}
	d.logger.Info().Str("tenant_id", tenantID).Str("conversation_id", id).Msg("conversation created")
	return id, nil
}

// Get returns one entry, active or not.
func (d *Directory) Get(ctx context.Context, conversationID, tenantID string) (domain.Conversation, error) {
	tenant, err := d.owner(ctx, conversationID, tenantID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err := d.store.GetConversation(ctx, tenant, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation: get entry: %w", err)
	}
	return conv, nil
}

// Touch counts one more message and moves lastActivityAt to at, the message's
// creation time, or to now when at is zero. Concurrent touches are
// last-writer-wins on the timestamp.
func (d *Directory) Touch(ctx context.Context, conversationID, tenantID string, at time.Time) error {
	if err := checkID("conversationId", conversationID); err != nil {
		return err
	}
	if err := checkID("tenantId", tenantID); err != nil {
		return err
	}
	if at.IsZero() {
		at = now()
	}
	at = at.UTC()
	var expires time.Time
	if d.retention > 0 {
		expires = at.Add(d.retention)
	}
	if err := d.store.TouchConversation(ctx, tenantID, conversationID, at, expires); err != nil {
		return fmt.Errorf("conversation: touch: %w", err)
	}
	return nil
}

// List returns active entries, most recent activity first.
func (d *Directory) List(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	if err := checkID("tenantId", tenantID); err != nil {
		return nil, err
	}
	convs, err := d.store.ListConversations(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return convs, nil
}

// Rename reports false when no such entry exists.
func (d *Directory) Rename(ctx context.Context, conversationID, tenantID, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return false, invalid("title", "must not be empty")
	}
	return d.update(ctx, conversationID, tenantID, domain.ConversationPatch{Title: &title})
}

// SoftDelete hides the entry from List and stamps archivedAt. Messages and
// window are kept.
func (d *Directory) SoftDelete(ctx context.Context, conversationID, tenantID string) (bool, error) {
	inactive := false
	archived := now().UTC()
	return d.update(ctx, conversationID, tenantID, domain.ConversationPatch{IsActive: &inactive, ArchivedAt: &archived})
}

// Restore undoes SoftDelete.
func (d *Directory) Restore(ctx context.Context, conversationID, tenantID string) (bool, error) {
	active := true
	cleared := time.Time{}
	return d.update(ctx, conversationID, tenantID, domain.ConversationPatch{IsActive: &active, ArchivedAt: &cleared})
}

// Clear removes every message and the window but keeps the entry, with its
// counter reset.
func (d *Directory) Clear(ctx context.Context, conversationID, tenantID string) (int, error) {
	tenant, err := d.owner(ctx, conversationID, tenantID)
	if err != nil {
		return 0, err
	}
	log := d.logger.With().Str("tenant_id", tenant).Str("conversation_id", conversationID).Str("op", "clear").Logger()

	n, msgErr := d.store.DeleteMessages(ctx, tenant, conversationID)
	winErr := d.store.DeleteWindow(ctx, tenant, conversationID)
	resetErr := d.store.UpdateConversation(ctx, tenant, conversationID, domain.ConversationPatch{ResetCounter: true})
	if IsNotFound(resetErr) {
		resetErr = nil
	}
	if err := errors.Join(msgErr, winErr, resetErr); err != nil {
		log.Error().Err(err).Int("deleted_messages", n).Msg("conversation partially cleared")
		return n, fmt.Errorf("conversation: clear: %w", err)
	}
	log.Info().Int("deleted_messages", n).Msg("conversation cleared")
	return n, nil
}

// HardDelete removes the messages, the window and the entry, in that order.
// Already completed deletions are not rolled back when a later one fails.
func (d *Directory) HardDelete(ctx context.Context, conversationID, tenantID string) error {
	tenant, err := d.owner(ctx, conversationID, tenantID)
	if err != nil {
		return err
	}
	log := d.logger.With().Str("tenant_id", tenant).Str("conversation_id", conversationID).Str("op", "hard_delete").Logger()

	n, msgErr := d.store.DeleteMessages(ctx, tenant, conversationID)
	winErr := d.store.DeleteWindow(ctx, tenant, conversationID)
	entryErr := d.store.DeleteConversation(ctx, tenant, conversationID)
	if d.resolver != nil {
		d.resolver.Forget(ctx, conversationID)
	}
	if err := errors.Join(msgErr, winErr, entryErr); err != nil {
		log.Error().Err(err).Int("deleted_messages", n).Msg("conversation partially deleted")
		return fmt.Errorf("conversation: hard delete: %w", err)
	}
	log.Info().Int("deleted_messages", n).Msg("conversation deleted")
	return nil
}

func (d *Directory) update(ctx context.Context, conversationID, tenantID string, patch domain.ConversationPatch) (bool, error) {
	tenant, err := d.owner(ctx, conversationID, tenantID)
	if err != nil {
		return false, err
	}
	err = d.store.UpdateConversation(ctx, tenant, conversationID, patch)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation: update entry: %w", err)
	}
	return true, nil
}

// ownerOf looks up the tenant owning conversationID across partitions. An
// unowned id yields "".
func (d *Directory) ownerOf(ctx context.Context, conversationID string) (string, error) {
	if d.resolver != nil {
		return d.resolver.Resolve(ctx, conversationID, "")
	}
	owner, err := d.store.FindConversationOwner(ctx, conversationID)
	if IsNotFound(err) {
		return "", nil
	}
	return owner, err
}

// owner validates the ids and fills in the tenant from the resolver when the
// caller did not supply one.
func (d *Directory) owner(ctx context.Context, conversationID, tenantID string) (string, error) {
	if err := checkID("conversationId", conversationID); err != nil {
		return "", err
	}
	tenant, err := resolveTenant(ctx, d.resolver, conversationID, tenantID)
	if err != nil {
		return "", fmt.Errorf("conversation: resolve owner: %w", err)
	}
	if tenant == "" {
		return "", fmt.Errorf("conversation: %s has no owner: %w", conversationID, repository.ErrNotFound)
	}
	return tenant, nil
}
