package chat

import (
	"time"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation's history
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Conversation holds the history of one chat thread. The busy token
// admits at most one in-flight ask.
type Conversation struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	turns     []Turn

	busy chan struct{}
}

func newConversation(id string) *Conversation {
	now := time.Now()
	return &Conversation{
		id:        id,
		createdAt: now,
		updatedAt: now,
		busy:      make(chan struct{}, 1),
	}
}

// tryAcquire takes the busy token without blocking
func (c *Conversation) tryAcquire() bool {
	select {
	case c.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Conversation) release() {
	<-c.busy
}

// Info is the read-only view of a conversation
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	Turns     []Turn    `json:"turns,omitempty"`
}
