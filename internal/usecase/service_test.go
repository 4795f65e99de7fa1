package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-memory/internal/conversation"
	"chat-memory/internal/domain"
	"chat-memory/internal/integrations/identity"
	"chat-memory/internal/integrations/openai"
	"chat-memory/internal/repository"
	"chat-memory/internal/resolver"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/chat-memory/system_prompt":       "You are a helpful assistant.",
		"/chat-memory/config/openai_model": "gpt-test",
	}}
}

type mockIdentity struct {
	profile domain.Profile
	err     error
}

func (m *mockIdentity) Authenticate(_ context.Context, _ string, _ map[string]string) (domain.Profile, error) {
	return m.profile, m.err
}

type capturingLLM struct {
	answer   string
	err      error
	model    string
	captured []domain.ChatMessage
	calls    int
}

func (c *capturingLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	c.calls++
	c.model = model
	c.captured = msgs
	return c.answer, c.err
}

type fixture struct {
	svc    *Service
	store  repository.Store
	worker *Worker
	llm    *capturingLLM
	idp    *mockIdentity
	params *mockParams
}

func newFixture(t *testing.T, store repository.Store, k int) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	res, err := resolver.New(store, nil, logger)
	require.NoError(t, err)
	sessions, err := conversation.NewSessionStore(store, time.Hour, logger)
	require.NoError(t, err)
	log, err := conversation.NewMessageLog(store, res, 8000, 24*time.Hour, logger)
	require.NoError(t, err)
	window, err := conversation.NewWindow(store, log, res, k, 24*time.Hour, logger)
	require.NoError(t, err)
	directory, err := conversation.NewDirectory(store, res, 24*time.Hour, logger)
	require.NoError(t, err)
	stats, err := conversation.NewStatsAggregator(store, logger)
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		worker: NewWorker(1, 64, logger),
		llm:    &capturingLLM{answer: "hello back"},
		idp:    &mockIdentity{profile: domain.Profile{DisplayName: "Ada", Token: "opaque"}},
		params: defaultParams(),
	}
	t.Cleanup(f.worker.Close)

	f.svc, err = NewService(Components{
		Sessions:  sessions,
		Messages:  log,
		Window:    window,
		Directory: directory,
		Stats:     stats,
	}, f.idp, f.llm, f.params, f.worker, "/chat-memory", 20, logger)
	require.NoError(t, err)
	return f
}

func (f *fixture) login(t *testing.T, tenantID string) {
	t.Helper()
	_, err := f.svc.Authenticate(context.Background(), tenantID, map[string]string{"password": "x"})
	require.NoError(t, err)
}

func expectCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code, "err=%v", err)
	return ue
}

func TestNewService_ValidatesDependencies(t *testing.T) {
	f := newFixture(t, repository.NewMemory(), 4)
	comps := Components{
		Sessions:  f.svc.sessions,
		Messages:  f.svc.messages,
		Window:    f.svc.window,
		Directory: f.svc.directory,
		Stats:     f.svc.stats,
	}
	logger := zerolog.Nop()

	_, err := NewService(Components{}, f.idp, f.llm, f.params, f.worker, "/p", 0, logger)
	require.ErrorContains(t, err, "components")
	_, err = NewService(comps, nil, f.llm, f.params, f.worker, "/p", 0, logger)
	require.ErrorContains(t, err, "identity")
	_, err = NewService(comps, f.idp, nil, f.params, f.worker, "/p", 0, logger)
	require.ErrorContains(t, err, "llm")
	_, err = NewService(comps, f.idp, f.llm, nil, f.worker, "/p", 0, logger)
	require.ErrorContains(t, err, "param")
	_, err = NewService(comps, f.idp, f.llm, f.params, nil, "/p", 0, logger)
	require.ErrorContains(t, err, "worker")
	_, err = NewService(comps, f.idp, f.llm, f.params, f.worker, " ", 0, logger)
	require.ErrorContains(t, err, "prefix")

	svc, err := NewService(comps, f.idp, f.llm, f.params, f.worker, "/p/", 0, logger)
	require.NoError(t, err)
	require.Equal(t, defaultContextLimit, svc.contextLimit)
	require.Equal(t, "/p", svc.paramPrefix)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a session", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		sess, err := f.svc.Authenticate(ctx, "u1", nil)
		require.NoError(t, err)
		require.Equal(t, "u1", sess.TenantID)
		require.Equal(t, "Ada", sess.DisplayName)
		require.Equal(t, "opaque", sess.Token)
	})

	t.Run("missing tenant", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		_, err := f.svc.Authenticate(ctx, "  ", nil)
		expectCode(t, err, ErrorInvalidInput)
	})

	t.Run("rejected credentials carry the reason", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.idp.err = &identity.AuthError{Reason: "wrong password"}
		_, err := f.svc.Authenticate(ctx, "u1", nil)
		ue := expectCode(t, err, ErrorAuthFailed)
		require.Equal(t, "wrong password", ue.Reason)

		_, err = f.store.GetSession(ctx, "u1")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("identity outage", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.idp.err = &identity.HTTPStatusError{StatusCode: http.StatusBadGateway}
		_, err := f.svc.Authenticate(ctx, "u1", nil)
		expectCode(t, err, ErrorUpstream)
	})
}

func TestLogout_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	require.NoError(t, f.svc.Logout(ctx, "u1"))
	require.NoError(t, f.svc.Logout(ctx, "u1"))

	_, err := f.svc.RecordInbound(ctx, "u1", "", "hi")
	expectCode(t, err, ErrorUnauthorized)
}

func TestRecordInbound(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a session", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		_, err := f.svc.RecordInbound(ctx, "u1", "c1", "hi")
		expectCode(t, err, ErrorUnauthorized)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")
		_, err := f.svc.RecordInbound(ctx, "u1", "c1", "   ")
		expectCode(t, err, ErrorInvalidInput)
		_, err = f.svc.RecordInbound(ctx, "u1", "bad#id", "hi")
		expectCode(t, err, ErrorInvalidInput)
	})

	t.Run("creates the conversation and syncs in the background", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")

		convID, err := f.svc.RecordInbound(ctx, "u1", "c1", "  Plan   the trip ")
		require.NoError(t, err)
		require.Equal(t, "c1", convID)

		// The append is visible before the background work finishes.
		msgs, err := f.store.ListMessages(ctx, "u1", "c1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		f.worker.Wait()
		conv, err := f.store.GetConversation(ctx, "u1", "c1")
		require.NoError(t, err)
		require.Equal(t, "Plan the trip", conv.Title)
		require.Equal(t, 1, conv.MessageCount)

		win, err := f.store.GetWindow(ctx, "u1", "c1")
		require.NoError(t, err)
		require.Len(t, win.Entries, 1)
	})

	t.Run("mints an id without a hint", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")
		convID, err := f.svc.RecordInbound(ctx, "u1", "", "hi")
		require.NoError(t, err)
		require.NotEmpty(t, convID)
	})
}

func TestRecordOutbound_ResolvesTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	convID, err := f.svc.RecordInbound(ctx, "u1", "c1", "hi")
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordOutbound(ctx, "", convID, "hello"))
	f.worker.Wait()

	msgs, err := f.store.ListMessages(ctx, "u1", convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)

	err = f.svc.RecordOutbound(ctx, "", "nobody-owns-this", "hello")
	expectCode(t, err, ErrorNotFound)
}

func TestRecordInbound_RefusesAnotherTenantsConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "alice")
	f.login(t, "mallory")

	first, err := f.svc.RecordInbound(ctx, "alice", "c1", "hi")
	require.NoError(t, err)
	require.Equal(t, "c1", first)

	second, err := f.svc.RecordInbound(ctx, "mallory", "c1", "me too")
	require.NoError(t, err)
	require.NotEqual(t, "c1", second)
	f.worker.Wait()

	owner, err := f.store.FindConversationOwner(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "alice", owner)
	msgs, err := f.store.ListMessages(ctx, "alice", "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Outbound messages without a tenant follow the single owner.
	require.NoError(t, f.svc.RecordOutbound(ctx, "", "c1", "hello alice"))
	msgs, err = f.store.ListMessages(ctx, "alice", "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestRecordOutbound_RequiresConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	err := f.svc.RecordOutbound(ctx, "u1", "ghost", "assistant reply")
	expectCode(t, err, ErrorNotFound)

	_, err = f.svc.RecordInbound(ctx, "u1", "c1", "hi")
	require.NoError(t, err)
	err = f.svc.RecordOutbound(ctx, "u2", "c1", "wrong partition")
	expectCode(t, err, ErrorNotFound)
	err = f.svc.RecordOutbound(ctx, "u1", "", "no id")
	expectCode(t, err, ErrorInvalidInput)
	f.worker.Wait()

	for _, key := range []struct{ tenant, conv string }{{"u1", "ghost"}, {"u2", "c1"}} {
		msgs, err := f.store.ListMessages(ctx, key.tenant, key.conv, 0)
		require.NoError(t, err)
		require.Empty(t, msgs)
	}
	_, err = f.store.GetConversation(ctx, "u1", "ghost")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteConversation_LateBackgroundWorkLeavesNoHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	_, err := f.svc.RecordInbound(ctx, "u1", "c1", "hi")
	require.NoError(t, err)
	f.worker.Wait()
	require.NoError(t, f.svc.DeleteConversation(ctx, "u1", "c1"))

	// Work queued before the delete runs after it.
	f.svc.afterAppend(ctx, domain.Message{
		MessageID:      "m-late",
		ConversationID: "c1",
		TenantID:       "u1",
		Role:           domain.RoleUser,
		Content:        "late",
		CreatedAt:      time.Now().UTC(),
	})
	f.worker.Wait()

	_, err = f.store.GetWindow(ctx, "u1", "c1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.store.GetConversation(ctx, "u1", "c1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	got, err := f.svc.GetCompletionContext(ctx, "u1", "c1", true, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetCompletionContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 2)
	f.login(t, "u1")

	_, err := f.svc.RecordInbound(ctx, "u1", "c1", "hi")
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordOutbound(ctx, "u1", "c1", "hello"))
	_, err = f.svc.RecordInbound(ctx, "u1", "c1", "bye")
	require.NoError(t, err)
	f.worker.Wait()

	got, err := f.svc.GetCompletionContext(ctx, "u1", "c1", true, 0)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "bye"},
	}, got)

	got, err = f.svc.GetCompletionContext(ctx, "u1", "c1", true, 1)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "bye"}}, got)

	got, err = f.svc.GetCompletionContext(ctx, "u1", "unknown", true, 5)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = f.svc.GetCompletionContext(ctx, "u1", "", true, 5)
	expectCode(t, err, ErrorInvalidInput)
}

// windowOutage fails every window read with a transient error.
type windowOutage struct {
	*repository.Memory
}

func (w windowOutage) GetWindow(context.Context, string, string) (domain.Window, error) {
	return domain.Window{}, fmt.Errorf("GetWindow: %w", repository.ErrTransient)
}

func TestGetCompletionContext_DegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowOutage{repository.NewMemory()}, 4)

	got, err := f.svc.GetCompletionContext(ctx, "u1", "c1", false, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDirectoryManagement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	id, err := f.svc.NewConversation(ctx, "u1", "Groceries", "web", map[string]string{"lang": "en"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, f.svc.RenameConversation(ctx, "u1", id, "Shopping"))
	convs, err := f.svc.ListConversations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "Shopping", convs[0].Title)
	require.Equal(t, "web", convs[0].Channel)

	require.NoError(t, f.svc.ArchiveConversation(ctx, "u1", id))
	convs, err = f.svc.ListConversations(ctx, "u1", 10)
	require.NoError(t, err)
	require.Empty(t, convs)

	require.NoError(t, f.svc.RestoreConversation(ctx, "u1", id))
	convs, err = f.svc.ListConversations(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	err = f.svc.RenameConversation(ctx, "u1", "missing", "x")
	expectCode(t, err, ErrorNotFound)
	err = f.svc.RenameConversation(ctx, "u1", id, " ")
	expectCode(t, err, ErrorInvalidInput)
}

func TestClearAndDeleteConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.svc.RecordInbound(ctx, "u1", "c1", text)
		require.NoError(t, err)
	}
	f.worker.Wait()

	n, err := f.svc.ClearConversation(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	conv, err := f.store.GetConversation(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, 0, conv.MessageCount)
	got, err := f.svc.GetCompletionContext(ctx, "u1", "c1", true, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, f.svc.DeleteConversation(ctx, "", "c1"))
	_, err = f.store.GetConversation(ctx, "u1", "c1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	err = f.svc.DeleteConversation(ctx, "", "c1")
	expectCode(t, err, ErrorNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 4)
	f.login(t, "u1")
	f.login(t, "u2")
	_, err := f.svc.RecordInbound(ctx, "u1", "c1", "hi")
	require.NoError(t, err)
	_, err = f.svc.RecordInbound(ctx, "u2", "c2", "hi")
	require.NoError(t, err)
	f.worker.Wait()

	all, err := f.svc.Stats(ctx, "")
	require.NoError(t, err)
	require.Equal(t, repository.ModeFallback, all.Mode)
	require.Equal(t, 2, all.Sessions)
	require.Equal(t, 2, all.Conversations)
	require.Equal(t, 2, all.Messages)

	one, err := f.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, one.Conversations)
	require.Equal(t, 1, one.Messages)
}

func TestReply_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, repository.NewMemory(), 20)
	f.login(t, "u1")

	out, err := f.svc.Reply(ctx, "u1", "", "hi")
	require.NoError(t, err)
	require.Equal(t, "hello back", out.Answer)
	require.NotEmpty(t, out.ConversationID)
	require.Equal(t, "gpt-test", f.llm.model)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "hi"},
	}, f.llm.captured)
	f.worker.Wait()

	f.llm.answer = "sure"
	_, err = f.svc.Reply(ctx, "u1", out.ConversationID, "again")
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello back"},
		{Role: "user", Content: "again"},
	}, f.llm.captured)
	f.worker.Wait()

	msgs, err := f.store.ListMessages(ctx, "u1", out.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	win, err := f.store.GetWindow(ctx, "u1", out.ConversationID)
	require.NoError(t, err)
	require.Len(t, win.Entries, 4)

	// SSM parameters are loaded once.
	require.Equal(t, 2, f.params.calls)
}

func TestReply_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		_, err := f.svc.Reply(ctx, "u1", "", "hi")
		expectCode(t, err, ErrorUnauthorized)
		require.Zero(t, f.llm.calls)
	})

	t.Run("ssm failure is retried on the next request", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")
		f.params.err = errors.New("temporary ssm failure")
		_, err := f.svc.Reply(ctx, "u1", "", "hi")
		expectCode(t, err, ErrorInternal)

		f.params.err = nil
		_, err = f.svc.Reply(ctx, "u1", "", "hi")
		require.NoError(t, err)
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")
		f.llm.err = &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}
		_, err := f.svc.Reply(ctx, "u1", "c1", "hi")
		expectCode(t, err, ErrorRateLimited)

		// The inbound message is kept even though no reply was produced.
		msgs, err := f.store.ListMessages(ctx, "u1", "c1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, repository.NewMemory(), 4)
		f.login(t, "u1")
		f.llm.err = errors.New("connection reset")
		_, err := f.svc.Reply(ctx, "u1", "c1", "hi")
		expectCode(t, err, ErrorUpstream)
	})
}

// Running the same scenario on the fallback store and behind the failover
// router must give the same observable results.
func TestScenario_DegradedModeEquivalence(t *testing.T) {
	ctx := context.Background()
	type result struct {
		titles  []string
		context []domain.ChatMessage
	}
	run := func(t *testing.T, store repository.Store) result {
		f := newFixture(t, store, 2)
		f.login(t, "u1")
		for _, text := range []string{"hi", "hello", "bye"} {
			_, err := f.svc.RecordInbound(ctx, "u1", "c1", text)
			require.NoError(t, err)
			f.worker.Wait()
		}
		convs, err := f.svc.ListConversations(ctx, "u1", 10)
		require.NoError(t, err)
		got, err := f.svc.GetCompletionContext(ctx, "u1", "c1", true, 0)
		require.NoError(t, err)
		var titles []string
		for _, c := range convs {
			titles = append(titles, c.Title)
		}
		return result{titles: titles, context: got}
	}

	plain := run(t, repository.NewMemory())
	routed := run(t, repository.NewFailover(ctx, nil, repository.NewMemory(), zerolog.Nop()))
	require.Equal(t, plain, routed)
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "bye"},
	}, plain.context)
}
