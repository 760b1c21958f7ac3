package conversation

import "time"

// Conversation is an owned, ordered sequence of chat turns with a title.
type Conversation struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"userId"`
	Title     string     `json:"title"`
	Messages  []ChatTurn `json:"messages"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summarize builds the list view of c.
func (c Conversation) Summarize() Summary {
	return Summary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// LastTimestamp returns the timestamp of the newest turn, or the zero time.
func (c Conversation) LastTimestamp() time.Time {
	if len(c.Messages) == 0 {
		return time.Time{}
	}
	return c.Messages[len(c.Messages)-1].Timestamp
}
