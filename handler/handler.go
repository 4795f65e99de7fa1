package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chat-memory/internal/domain"
	"chat-memory/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ChatMemory is the collaborator surface served over API Gateway.
type ChatMemory interface {
	Authenticate(ctx context.Context, tenantID string, credentials map[string]string) (domain.Session, error)
	Logout(ctx context.Context, tenantID string) error
	RecordInbound(ctx context.Context, tenantID, conversationID, text string) (string, error)
	RecordOutbound(ctx context.Context, tenantID, conversationID, text string) error
	GetCompletionContext(ctx context.Context, tenantID, conversationID string, includeSystem bool, limit int) ([]domain.ChatMessage, error)
	ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error)
	NewConversation(ctx context.Context, tenantID, title, channel string, metadata map[string]string) (string, error)
	RenameConversation(ctx context.Context, tenantID, conversationID, title string) error
	ArchiveConversation(ctx context.Context, tenantID, conversationID string) error
	RestoreConversation(ctx context.Context, tenantID, conversationID string) error
	ClearConversation(ctx context.Context, tenantID, conversationID string) (int, error)
	DeleteConversation(ctx context.Context, tenantID, conversationID string) error
	Stats(ctx context.Context, tenantID string) (domain.Stats, error)
	Reply(ctx context.Context, tenantID, conversationID, text string) (usecase.ReplyOutput, error)
}

type Handler struct {
	uc ChatMemory
}

type request struct {
	Action         string            `json:"action"`
	TenantID       string            `json:"tenantId"`
	ConversationID string            `json:"conversationId"`
	Text           string            `json:"text"`
	Title          string            `json:"title"`
	Channel        string            `json:"channel"`
	Metadata       map[string]string `json:"metadata"`
	Credentials    map[string]string `json:"credentials"`
	IncludeSystem  bool              `json:"includeSystem"`
	Limit          int               `json:"limit"`
}

type sessionResponse struct {
	TenantID    string    `json:"tenantId"`
	DisplayName string    `json:"displayName"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type conversationResponse struct {
	ConversationID string            `json:"conversationId"`
	Title          string            `json:"title"`
	Channel        string            `json:"channel,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	MessageCount   int               `json:"messageCount"`
	IsActive       bool              `json:"isActive"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type replyResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversationId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc ChatMemory) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: chat memory service must not be nil")
	}
	return &Handler{uc: uc}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := log.With().Str("correlation_id", correlationID).Logger()

	if event.HTTPMethod != "" && event.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	var req request
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"}), nil
	}

	start := time.Now()
	action := strings.ToLower(strings.TrimSpace(req.Action))
	body, err := h.dispatch(ctx, action, req)
	status := http.StatusOK
	if err != nil {
		status, body = mapError(err)
	}

	entry := logger.Info()
	if status >= 400 && status < 500 {
		entry = logger.Warn()
	} else if status >= 500 {
		entry = logger.Error()
	}
	entry.
		Err(err).
		Str("action", action).
		Str("tenant_id", req.TenantID).
		Str("conversation_id", req.ConversationID).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Msg("request completed")

	return jsonResponse(status, correlationID, body), nil
}

func (h *Handler) dispatch(ctx context.Context, action string, req request) (any, error) {
	switch action {
	case "authenticate":
		sess, err := h.uc.Authenticate(ctx, req.TenantID, req.Credentials)
		if err != nil {
			return nil, err
		}
		return sessionResponse{
			TenantID:    sess.TenantID,
			DisplayName: sess.DisplayName,
			Token:       sess.Token,
			ExpiresAt:   sess.ExpiresAt,
		}, nil
	case "logout":
		return ok(), h.uc.Logout(ctx, req.TenantID)
	case "record_inbound":
		id, err := h.uc.RecordInbound(ctx, req.TenantID, req.ConversationID, req.Text)
		if err != nil {
			return nil, err
		}
		return map[string]string{"conversationId": id}, nil
	case "record_outbound":
		return ok(), h.uc.RecordOutbound(ctx, req.TenantID, req.ConversationID, req.Text)
	case "completion_context":
		msgs, err := h.uc.GetCompletionContext(ctx, req.TenantID, req.ConversationID, req.IncludeSystem, req.Limit)
		if err != nil {
			return nil, err
		}
		return map[string][]domain.ChatMessage{"messages": msgs}, nil
	case "list_conversations":
		convs, err := h.uc.ListConversations(ctx, req.TenantID, req.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]conversationResponse, 0, len(convs))
		for _, c := range convs {
			out = append(out, conversationResponse{
				ConversationID: c.ConversationID,
				Title:          c.Title,
				Channel:        c.Channel,
				CreatedAt:      c.CreatedAt,
				LastActivityAt: c.LastActivityAt,
				MessageCount:   c.MessageCount,
				IsActive:       c.IsActive,
				Metadata:       c.Metadata,
			})
		}
		return map[string][]conversationResponse{"conversations": out}, nil
	case "new_conversation":
		id, err := h.uc.NewConversation(ctx, req.TenantID, req.Title, req.Channel, req.Metadata)
		if err != nil {
			return nil, err
		}
		return map[string]string{"conversationId": id}, nil
	case "rename_conversation":
		return ok(), h.uc.RenameConversation(ctx, req.TenantID, req.ConversationID, req.Title)
	case "archive_conversation":
		return ok(), h.uc.ArchiveConversation(ctx, req.TenantID, req.ConversationID)
	case "restore_conversation":
		return ok(), h.uc.RestoreConversation(ctx, req.TenantID, req.ConversationID)
	case "clear_conversation":
		n, err := h.uc.ClearConversation(ctx, req.TenantID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deletedMessages": n}, nil
	case "delete_conversation":
		return ok(), h.uc.DeleteConversation(ctx, req.TenantID, req.ConversationID)
	case "stats":
		return h.uc.Stats(ctx, req.TenantID)
	case "reply":
		out, err := h.uc.Reply(ctx, req.TenantID, req.ConversationID, req.Text)
		if err != nil {
			return nil, err
		}
		return replyResponse{Answer: out.Answer, ConversationID: out.ConversationID}, nil
	default:
		return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_action"}
	}
}

func ok() map[string]bool {
	return map[string]bool{"ok": true}
}

func mapError(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	out := errorResponse{Error: string(ue.Code)}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		out.Reason = ue.Reason
		return http.StatusBadRequest, out
	case usecase.ErrorNotFound:
		return http.StatusNotFound, out
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, out
	case usecase.ErrorAuthFailed:
		// The identity provider's reason is meant for the end user.
		out.Reason = ue.Reason
		return http.StatusUnauthorized, out
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, out
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, out
	case usecase.ErrorUnavailable, usecase.ErrorTransient:
		return http.StatusServiceUnavailable, out
	default:
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
