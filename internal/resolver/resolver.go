// Package resolver discovers which tenant partition owns a conversation when
// a caller only knows the conversation id.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chat-memory/internal/repository"
)

// Unknown is returned when no directory entry names the conversation.
const Unknown = ""

// Cache is a tier of conversation id -> tenant id mappings shared between
// processes. Get returns Unknown on a miss.
type Cache interface {
	Get(ctx context.Context, conversationID string) (string, error)
	Set(ctx context.Context, conversationID, tenantID string) error
	Delete(ctx context.Context, conversationID string) error
}

type ownerLookup interface {
	FindConversationOwner(ctx context.Context, conversationID string) (string, error)
}

// Resolver maps conversation ids to their owning tenant. Mappings live for the
// process lifetime in a local map and, when configured, in a shared Cache.
type Resolver struct {
	store  ownerLookup
	shared Cache
	logger zerolog.Logger

	local sync.Map
	group singleflight.Group
}

// New creates a Resolver. shared may be nil.
func New(store ownerLookup, shared Cache, logger zerolog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("resolver: store must not be nil")
	}
	return &Resolver{store: store, shared: shared, logger: logger}, nil
}

// Resolve returns hint unchanged when it is set. Otherwise it consults the
// caches and then the cross-partition lookup. A conversation nobody owns
// resolves to Unknown with a nil error; the caller decides what that means.
func (r *Resolver) Resolve(ctx context.Context, conversationID, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	if strings.TrimSpace(conversationID) == "" {
		return Unknown, nil
	}
	if v, ok := r.local.Load(conversationID); ok {
		return v.(string), nil
	}

	v, err, _ := r.group.Do(conversationID, func() (any, error) {
		return r.lookup(ctx, conversationID)
	})
	if err != nil {
		return Unknown, err
	}
	return v.(string), nil
}

func (r *Resolver) lookup(ctx context.Context, conversationID string) (string, error) {
	log := r.logger.With().Str("conversation_id", conversationID).Logger()

	if r.shared != nil {
		owner, err := r.shared.Get(ctx, conversationID)
		if err != nil {
			log.Warn().Err(err).Msg("shared owner cache read failed")
		} else if owner != Unknown {
			r.local.Store(conversationID, owner)
			return owner, nil
		}
	}

	owner, err := r.store.FindConversationOwner(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug().Msg("conversation has no owner")
		return Unknown, nil
	}
	if err != nil {
		return Unknown, fmt.Errorf("resolver: Resolve %s: %w", conversationID, err)
	}
	r.Remember(ctx, conversationID, owner)
	log.Debug().Str("tenant_id", owner).Msg("conversation owner discovered")
	return owner, nil
}

// Remember records a known mapping, for example right after the directory
// entry was created.
func (r *Resolver) Remember(ctx context.Context, conversationID, tenantID string) {
	if conversationID == "" || tenantID == "" {
		return
	}
	r.local.Store(conversationID, tenantID)
	if r.shared == nil {
		return
	}
	if err := r.shared.Set(ctx, conversationID, tenantID); err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("shared owner cache write failed")
	}
}

// Forget drops a mapping once the conversation has been hard-deleted.
func (r *Resolver) Forget(ctx context.Context, conversationID string) {
	r.local.Delete(conversationID)
	if r.shared == nil {
		return
	}
	if err := r.shared.Delete(ctx, conversationID); err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("shared owner cache delete failed")
	}
}
