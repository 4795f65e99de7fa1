package domain

// ChatMessage is the provider-agnostic chat message shape handed to the
// chat-completion collaborator. It carries no timestamp.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three allowed roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}
