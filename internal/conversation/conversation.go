// Package conversation implements the tenant-scoped conversation memory:
// sessions, the append-only message log, the capped rolling window, the
// conversation directory and store statistics.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-memory/internal/repository"
)

// ErrValidation marks caller mistakes: missing ids, invalid role, empty
// content. These are never retried.
var ErrValidation = errors.New("conversation: validation failed")

// OwnerResolver finds the tenant that owns a conversation id.
type OwnerResolver interface {
	Resolve(ctx context.Context, conversationID, hint string) (string, error)
	Remember(ctx context.Context, conversationID, tenantID string)
	Forget(ctx context.Context, conversationID string)
}

var (
	now   = time.Now
	newID = uuid.NewString
)

func invalid(field, problem string) error {
	return fmt.Errorf("conversation: %s %s: %w", field, problem, ErrValidation)
}

// checkID rejects empty ids and ids that would break the store's key layout.
func checkID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field, "is required")
	}
	if strings.Contains(v, "#") {
		return invalid(field, "must not contain '#'")
	}
	return nil
}

// IsNotFound reports whether err means a legitimately empty result.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// resolveTenant returns tenantID when set, otherwise asks the resolver. An
// unowned conversation yields an empty tenant and a nil error.
func resolveTenant(ctx context.Context, r OwnerResolver, conversationID, tenantID string) (string, error) {
	if tenantID != "" || r == nil {
		return tenantID, nil
	}
	return r.Resolve(ctx, conversationID, "")
}
