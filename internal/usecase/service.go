package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chat-memory/internal/conversation"
	"chat-memory/internal/domain"
)

const (
	defaultContextLimit = 20
	defaultListLimit    = 50
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Authenticator exchanges credentials for a profile.
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID string, credentials map[string]string) (domain.Profile, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// Components bundles the conversation-memory building blocks. They must all
// share one store and one resolver.
type Components struct {
	Sessions  *conversation.SessionStore
	Messages  *conversation.MessageLog
	Window    *conversation.Window
	Directory *conversation.Directory
	Stats     *conversation.StatsAggregator
}

// Service is the surface exposed to the transport and completion layers.
type Service struct {
	sessions  *conversation.SessionStore
	messages  *conversation.MessageLog
	window    *conversation.Window
	directory *conversation.Directory
	stats     *conversation.StatsAggregator

	identity     Authenticator
	llm          LLMClient
	params       ParamGetter
	worker       *Worker
	paramPrefix  string
	contextLimit int
	logger       zerolog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	model        string
}

type ReplyOutput struct {
	ConversationID string
	Answer         string
}

func NewService(c Components, id Authenticator, llm LLMClient, p ParamGetter, w *Worker, paramPrefix string, contextLimit int, logger zerolog.Logger) (*Service, error) {
	if c.Sessions == nil || c.Messages == nil || c.Window == nil || c.Directory == nil || c.Stats == nil {
		return nil, errors.New("usecase: all conversation components are required")
	}
	if id == nil {
		return nil, errors.New("usecase: identity client must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if w == nil {
		return nil, errors.New("usecase: worker must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if contextLimit <= 0 {
		contextLimit = defaultContextLimit
	}
	return &Service{
		sessions:     c.Sessions,
		messages:     c.Messages,
		window:       c.Window,
		directory:    c.Directory,
		stats:        c.Stats,
		identity:     id,
		llm:          llm,
		params:       p,
		worker:       w,
		paramPrefix:  paramPrefix,
		contextLimit: contextLimit,
		logger:       logger,
	}, nil
}

// Authenticate verifies the credentials with the identity provider and
// replaces the tenant's session.
func (s *Service) Authenticate(ctx context.Context, tenantID string, credentials map[string]string) (domain.Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_tenant_id", nil)
	}
	profile, err := s.identity.Authenticate(ctx, tenantID, credentials)
	if err != nil {
		return domain.Session{}, upstreamError("identity_error", err)
	}
	sess, err := s.sessions.Create(ctx, tenantID, profile)
	if err != nil {
		return domain.Session{}, storageError("session_write_error", err)
	}
	return sess, nil
}

// Logout deletes the tenant's session. Logging out twice succeeds.
func (s *Service) Logout(ctx context.Context, tenantID string) error {
	if _, err := s.sessions.Delete(ctx, tenantID); err != nil {
		return storageError("session_delete_error", err)
	}
	return nil
}

// RecordInbound stores a user message and returns the conversation it landed
// in, creating the conversation when needed. The window sync and directory
// touch run in the background.
func (s *Service) RecordInbound(ctx context.Context, tenantID, conversationID, text string) (string, error) {
	if err := s.authorize(ctx, tenantID); err != nil {
		return "", err
	}
	convID, _, err := s.recordInbound(ctx, tenantID, conversationID, text)
	return convID, err
}

// authorize requires a live session for tenantID.
func (s *Service) authorize(ctx context.Context, tenantID string) error {
	if _, err := s.sessions.Get(ctx, tenantID); err != nil {
		if conversation.IsNotFound(err) {
			return newError(ErrorUnauthorized, "session_missing", err)
		}
		return storageError("session_read_error", err)
	}
	return nil
}

func (s *Service) recordInbound(ctx context.Context, tenantID, conversationID, text string) (string, domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.Message{}, newError(ErrorInvalidInput, "empty_content", nil)
	}
	convID, err := s.directory.GetOrCreate(ctx, tenantID, conversationID, conversation.NewEntry{Title: titleFrom(text)})
	if err != nil {
		return "", domain.Message{}, storageError("directory_error", err)
	}
	msg, err := s.messages.Append(ctx, convID, tenantID, domain.RoleUser, text)
	if err != nil {
		return "", domain.Message{}, storageError("message_write_error", err)
	}
	s.afterAppend(ctx, msg)
	return convID, msg, nil
}

// RecordOutbound stores an assistant message in an existing conversation. An
// empty tenantID is resolved from the conversation id.
func (s *Service) RecordOutbound(ctx context.Context, tenantID, conversationID, text string) error {
	conv, err := s.directory.Get(ctx, conversationID, strings.TrimSpace(tenantID))
	if err != nil {
		if conversation.IsNotFound(err) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return storageError("directory_error", err)
	}
	msg, err := s.messages.Append(ctx, conv.ConversationID, conv.TenantID, domain.RoleAssistant, text)
	if err != nil {
		return storageError("message_write_error", err)
	}
	s.afterAppend(ctx, msg)
	return nil
}

func (s *Service) afterAppend(ctx context.Context, msg domain.Message) {
	s.worker.Submit(ctx, "window_sync", msg.TenantID, msg.ConversationID, func(ctx context.Context) error {
		_, err := s.window.Sync(ctx, msg)
		return err
	})
	s.worker.Submit(ctx, "directory_touch", msg.TenantID, msg.ConversationID, func(ctx context.Context) error {
		return s.directory.Touch(ctx, msg.ConversationID, msg.TenantID, msg.CreatedAt)
	})
}

// GetCompletionContext returns the newest limit window entries as
// {role, content}. Storage failures yield an empty context; only caller
// mistakes are reported.
func (s *Service) GetCompletionContext(ctx context.Context, tenantID, conversationID string, includeSystem bool, limit int) ([]domain.ChatMessage, error) {
	msgs, err := s.window.AsCompletionInput(ctx, conversationID, tenantID, includeSystem)
	if err != nil {
		if errors.Is(err, conversation.ErrValidation) {
			return nil, newError(ErrorInvalidInput, "invalid_context_request", err)
		}
		s.logger.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("conversation_id", conversationID).
			Msg("completion context unavailable, continuing without history")
		return []domain.ChatMessage{}, nil
	}
	return lastN(msgs, limit), nil
}

func (s *Service) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	convs, err := s.directory.List(ctx, tenantID, limit)
	if err != nil {
		return nil, storageError("directory_list_error", err)
	}
	return convs, nil
}

// NewConversation always creates a fresh entry under a minted id.
func (s *Service) NewConversation(ctx context.Context, tenantID, title, channel string, metadata map[string]string) (string, error) {
	id, err := s.directory.GetOrCreate(ctx, tenantID, "", conversation.NewEntry{
		Title:    title,
		Channel:  channel,
		Metadata: metadata,
	})
	if err != nil {
		return "", storageError("directory_create_error", err)
	}
	return id, nil
}

func (s *Service) RenameConversation(ctx context.Context, tenantID, conversationID, title string) error {
	ok, err := s.directory.Rename(ctx, conversationID, tenantID, title)
	return found(ok, err, "directory_rename_error")
}

func (s *Service) ArchiveConversation(ctx context.Context, tenantID, conversationID string) error {
	ok, err := s.directory.SoftDelete(ctx, conversationID, tenantID)
	return found(ok, err, "directory_archive_error")
}

func (s *Service) RestoreConversation(ctx context.Context, tenantID, conversationID string) error {
	ok, err := s.directory.Restore(ctx, conversationID, tenantID)
	return found(ok, err, "directory_restore_error")
}

// ClearConversation deletes the history but keeps the directory entry.
func (s *Service) ClearConversation(ctx context.Context, tenantID, conversationID string) (int, error) {
	n, err := s.directory.Clear(ctx, conversationID, tenantID)
	if err != nil {
		return n, storageError("clear_error", err)
	}
	return n, nil
}

func (s *Service) DeleteConversation(ctx context.Context, tenantID, conversationID string) error {
	if err := s.directory.HardDelete(ctx, conversationID, tenantID); err != nil {
		return storageError("delete_error", err)
	}
	return nil
}

// Stats reports one tenant, or every tenant when tenantID is empty.
func (s *Service) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	var (
		st  domain.Stats
		err error
	)
	if strings.TrimSpace(tenantID) == "" {
		st, err = s.stats.Totals(ctx)
	} else {
		st, err = s.stats.Tenant(ctx, tenantID)
	}
	if err != nil {
		return domain.Stats{}, storageError("stats_error", err)
	}
	return st, nil
}

// Reply records the inbound text, asks the completion engine for an answer
// with the conversation context and records the answer. The context is read
// before the inbound message is recorded.
func (s *Service) Reply(ctx context.Context, tenantID, conversationID, text string) (ReplyOutput, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return ReplyOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	if err := s.authorize(ctx, tenantID); err != nil {
		return ReplyOutput{}, err
	}

	history := []domain.ChatMessage{}
	if strings.TrimSpace(conversationID) != "" {
		var err error
		history, err = s.GetCompletionContext(ctx, tenantID, conversationID, false, s.contextLimit)
		if err != nil {
			return ReplyOutput{}, err
		}
	}

	convID, inbound, err := s.recordInbound(ctx, tenantID, conversationID, text)
	if err != nil {
		return ReplyOutput{}, err
	}

	answer, err := s.llm.Chat(ctx, s.model, buildReplyMessages(s.systemPrompt, history, inbound.Content))
	if err != nil {
		return ReplyOutput{}, upstreamError("openai_error", err)
	}

	if err := s.RecordOutbound(ctx, tenantID, convID, answer); err != nil {
		return ReplyOutput{}, err
	}
	return ReplyOutput{ConversationID: convID, Answer: answer}, nil
}

func (s *Service) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: openai model parameter is empty")
	}

	s.systemPrompt = systemPrompt
	s.model = model
	s.cacheLoaded = true
	return nil
}

func found(ok bool, err error, reason string) error {
	if err != nil {
		return storageError(reason, err)
	}
	if !ok {
		return newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return nil
}
