package usecase

import (
	"strings"

	"chat-memory/internal/domain"
)

const maxTitleRunes = 60

// buildReplyMessages prepends the system prompt to the conversation context
// and appends the inbound text as the final user turn.
func buildReplyMessages(systemPrompt string, history []domain.ChatMessage, inbound string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	if p := strings.TrimSpace(systemPrompt); p != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: p})
	}
	messages = append(messages, history...)
	return append(messages, domain.ChatMessage{Role: string(domain.RoleUser), Content: inbound})
}

// titleFrom derives a directory title from the first message of a
// conversation.
func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}

// lastN keeps the newest n messages; n <= 0 keeps everything.
func lastN(msgs []domain.ChatMessage, n int) []domain.ChatMessage {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
