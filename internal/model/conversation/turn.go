package conversation

import "time"

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a conversation may hold.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatTurn is one role-tagged message inside a conversation. It is never
// modified after it has been appended.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is the minimal {role, content} pair sent upstream.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting from the provider. Informational only.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Turns projects stored chat turns into upstream turns, keeping at most the
// last limit entries. A limit <= 0 keeps everything. The result never opens
// with an assistant turn.
func Turns(history []ChatTurn, limit int) []Turn {
	start := 0
	if limit > 0 && len(history) > limit {
		start = len(history) - limit
	}
	for start < len(history) && history[start].Role == RoleAssistant {
		start++
	}

	turns := make([]Turn, 0, len(history)-start)
	for _, msg := range history[start:] {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}
