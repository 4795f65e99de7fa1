package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-memory/internal/domain"
)

// brokenStore fails every overridden call with err and serves the rest from
// the embedded Memory.
type brokenStore struct {
	*Memory
	err   error
	calls int
}

func (b *brokenStore) Ping(context.Context) error {
	b.calls++
	return b.err
}

func (b *brokenStore) GetSession(ctx context.Context, tenantID string) (domain.Session, error) {
	b.calls++
	if b.err != nil {
		return domain.Session{}, b.err
	}
	return b.Memory.GetSession(ctx, tenantID)
}

func (b *brokenStore) CreateMessage(ctx context.Context, msg domain.Message) error {
	b.calls++
	if b.err != nil {
		return b.err
	}
	return b.Memory.CreateMessage(ctx, msg)
}

func unavailable(op string) error {
	return fmt.Errorf("repository: %s: %w", op, ErrUnavailable)
}

func TestFailover_NilPrimaryStartsDegraded(t *testing.T) {
	fallback := NewMemory()
	f := NewFailover(context.Background(), nil, fallback, zerolog.Nop())
	require.Equal(t, ModeFallback, f.Mode())

	require.NoError(t, f.PutSession(context.Background(), domain.Session{TenantID: "t1"}))
	_, err := fallback.GetSession(context.Background(), "t1")
	require.NoError(t, err)
}

func TestFailover_UnreachablePrimaryAtStartup(t *testing.T) {
	primary := &brokenStore{Memory: NewMemory(), err: unavailable("Ping")}
	f := NewFailover(context.Background(), primary, NewMemory(), zerolog.Nop())
	require.Equal(t, ModeFallback, f.Mode())

	_, err := f.GetSession(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, primary.calls, "primary must not be re-probed once degraded")
}

func TestFailover_TransientProbeStaysDurable(t *testing.T) {
	primary := &brokenStore{Memory: NewMemory(), err: fmt.Errorf("probe: %w", ErrTransient)}
	f := NewFailover(context.Background(), primary, NewMemory(), zerolog.Nop())
	require.Equal(t, ModeDurable, f.Mode())

	_, err := f.GetSession(context.Background(), "t1")
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, ModeDurable, f.Mode())
}

func TestFailover_SwitchesOnceAndReplays(t *testing.T) {
	ctx := context.Background()
	primary := &brokenStore{Memory: NewMemory()}
	fallback := NewMemory()
	f := NewFailover(ctx, primary, fallback, zerolog.Nop())
	require.Equal(t, ModeDurable, f.Mode())

	msg := domain.Message{TenantID: "t1", ConversationID: "c1", MessageID: "m1", Role: domain.RoleUser, Content: "hi"}
	require.NoError(t, f.CreateMessage(ctx, msg))
	got, err := primary.Memory.ListMessages(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	primary.err = unavailable("CreateMessage")
	msg.MessageID = "m2"
	require.NoError(t, f.CreateMessage(ctx, msg))
	require.Equal(t, ModeFallback, f.Mode())

	got, err = fallback.ListMessages(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "m2", got[0].MessageID)

	before := primary.calls
	primary.err = nil
	_, err = f.ListMessages(ctx, "t1", "c1", 0)
	require.NoError(t, err)
	_, err = f.GetSession(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, before, primary.calls)
}

func TestFailover_NotFoundDoesNotDegrade(t *testing.T) {
	f := NewFailover(context.Background(), NewMemory(), NewMemory(), zerolog.Nop())
	_, err := f.GetConversation(context.Background(), "t1", "c1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, ModeDurable, f.Mode())
}
