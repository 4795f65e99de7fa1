package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-memory/internal/domain"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// setTTL stamps the expiry horizon the table's TTL sweeper acts on.
func setTTL(item map[string]types.AttributeValue, t time.Time) map[string]types.AttributeValue {
	if !t.IsZero() {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
	}
	return item
}

func strMap(m map[string]string) types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberM{Value: out}
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	return setTTL(map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: tenantPK(s.TenantID)},
		"SK":          &types.AttributeValueMemberS{Value: skSession},
		"kind":        &types.AttributeValueMemberS{Value: kindSession},
		"tenantId":    &types.AttributeValueMemberS{Value: s.TenantID},
		"displayName": &types.AttributeValueMemberS{Value: s.DisplayName},
		"profile":     strMap(s.Profile),
		"token":       &types.AttributeValueMemberS{Value: s.Token},
		"createdAt":   &types.AttributeValueMemberS{Value: formatTime(s.CreatedAt)},
		"expiresAt":   &types.AttributeValueMemberS{Value: formatTime(s.ExpiresAt)},
	}, s.ExpiresAt)
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return setTTL(map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: tenantPK(msg.TenantID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.ConversationID, msg.CreatedAt, msg.MessageID)},
		"kind":           &types.AttributeValueMemberS{Value: kindMessage},
		"tenantId":       &types.AttributeValueMemberS{Value: msg.TenantID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"messageId":      &types.AttributeValueMemberS{Value: msg.MessageID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}, msg.ExpiresAt)
}

func windowItem(w domain.Window) map[string]types.AttributeValue {
	entries := make([]types.AttributeValue, 0, len(w.Entries))
	for _, e := range w.Entries {
		entries = append(entries, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":      &types.AttributeValueMemberS{Value: string(e.Role)},
			"content":   &types.AttributeValueMemberS{Value: e.Content},
			"createdAt": &types.AttributeValueMemberS{Value: formatTime(e.CreatedAt)},
		}})
	}
	return setTTL(map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: tenantPK(w.TenantID)},
		"SK":             &types.AttributeValueMemberS{Value: windowSK(w.ConversationID)},
		"kind":           &types.AttributeValueMemberS{Value: kindWindow},
		"tenantId":       &types.AttributeValueMemberS{Value: w.TenantID},
		"conversationId": &types.AttributeValueMemberS{Value: w.ConversationID},
		"entries":        &types.AttributeValueMemberL{Value: entries},
		"capacity":       &types.AttributeValueMemberN{Value: strconv.Itoa(w.Capacity)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(w.UpdatedAt)},
	}, w.ExpiresAt)
}

func conversationItem(c domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: tenantPK(c.TenantID)},
		"SK":             &types.AttributeValueMemberS{Value: convSK(c.ConversationID)},
		"kind":           &types.AttributeValueMemberS{Value: kindConversation},
		"tenantId":       &types.AttributeValueMemberS{Value: c.TenantID},
		"conversationId": &types.AttributeValueMemberS{Value: c.ConversationID},
		"title":          &types.AttributeValueMemberS{Value: c.Title},
		"channel":        &types.AttributeValueMemberS{Value: c.Channel},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(c.CreatedAt)},
		"lastActivityAt": &types.AttributeValueMemberS{Value: formatTime(c.LastActivityAt)},
		"messageCount":   &types.AttributeValueMemberN{Value: strconv.Itoa(c.MessageCount)},
		"isActive":       &types.AttributeValueMemberBOOL{Value: c.IsActive},
		"metadata":       strMap(c.Metadata),
	}
	if !c.ArchivedAt.IsZero() {
		item["archivedAt"] = &types.AttributeValueMemberS{Value: formatTime(c.ArchivedAt)}
	}
	return setTTL(item, c.ExpiresAt)
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Session{}, err
	}
	expiresAt, err := timeAttr(item, "expiresAt")
	if err != nil {
		return domain.Session{}, err
	}
	createdAt, _ := timeAttr(item, "createdAt")
	displayName, _ := strAttr(item, "displayName")
	token, _ := strAttr(item, "token")
	return domain.Session{
		TenantID:    tenantID,
		DisplayName: displayName,
		Profile:     mapAttr(item, "profile"),
		Token:       token,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	tenantID, _ := strAttr(item, "tenantId")
	convID, _ := strAttr(item, "conversationId")
	return domain.Message{
		MessageID:      id,
		ConversationID: convID,
		TenantID:       tenantID,
		Role:           domain.Role(role),
		Content:        content,
		CreatedAt:      createdAt,
		ExpiresAt:      ttlTime(item),
	}, nil
}

func itemToWindow(item map[string]types.AttributeValue) (domain.Window, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Window{}, err
	}
	raw, ok := item["entries"].(*types.AttributeValueMemberL)
	if !ok {
		return domain.Window{}, fmt.Errorf("repository: attribute %q is not a list", "entries")
	}
	entries := make([]domain.WindowEntry, 0, len(raw.Value))
	for i, v := range raw.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Window{}, fmt.Errorf("repository: window entry %d is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return domain.Window{}, err
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return domain.Window{}, err
		}
		createdAt, _ := timeAttr(m.Value, "createdAt")
		entries = append(entries, domain.WindowEntry{Role: domain.Role(role), Content: content, CreatedAt: createdAt})
	}
	tenantID, _ := strAttr(item, "tenantId")
	capacity, _ := intAttr(item, "capacity")
	updatedAt, _ := timeAttr(item, "updatedAt")
	return domain.Window{
		ConversationID: convID,
		TenantID:       tenantID,
		Entries:        entries,
		Capacity:       capacity,
		UpdatedAt:      updatedAt,
		ExpiresAt:      ttlTime(item),
	}, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Conversation{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("decode messageCount: %w", err)
	}
	title, _ := strAttr(item, "title")
	channel, _ := strAttr(item, "channel")
	createdAt, _ := timeAttr(item, "createdAt")
	lastActivity, _ := timeAttr(item, "lastActivityAt")
	archivedAt, _ := timeAttr(item, "archivedAt")
	active, _ := boolAttr(item, "isActive")
	return domain.Conversation{
		ConversationID: convID,
		TenantID:       tenantID,
		Title:          title,
		Channel:        channel,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivity,
		MessageCount:   count,
		IsActive:       active,
		ArchivedAt:     archivedAt,
		Metadata:       mapAttr(item, "metadata"),
		ExpiresAt:      ttlTime(item),
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func mapAttr(item map[string]types.AttributeValue, key string) map[string]string {
	m, ok := item[key].(*types.AttributeValueMemberM)
	if !ok || len(m.Value) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Value))
	for k, v := range m.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out[k] = s.Value
		}
	}
	return out
}

func ttlTime(item map[string]types.AttributeValue) time.Time {
	n, ok := item["ttl"].(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
