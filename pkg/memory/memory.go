package memory

import (
	"fmt"
	"sync"
)

// Role identifies the author of a message.
type Role string

const (
	System    Role = "system"
	Human     Role = "human"
	Assistant Role = "assistant"
)

// ParseRole returns the role for the given name.
// The model API names ("user") are accepted too.
func ParseRole(s string) (Role, error) {
	switch s {
	case "system":
		return System, nil
	case "human", "user":
		return Human, nil
	case "assistant", "ai":
		return Assistant, nil
	default:
		return "", fmt.Errorf("memory: unknown role %q", s)
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case System, Human, Assistant:
		return true
	}
	return false
}

// API returns the role name used by chat completion APIs.
func (r Role) API() string {
	if r == Human {
		return "user"
	}
	return string(r)
}

type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

func NewSystem(content string) Message    { return Message{Role: System, Content: content} }
func NewHuman(content string) Message     { return Message{Role: Human, Content: content} }
func NewAssistant(content string) Message { return Message{Role: Assistant, Content: content} }

// Conversation is an append-only list of messages in chronological order.
// It is safe for concurrent use.
type Conversation struct {
	lck      sync.RWMutex
	messages []Message
}

// NewConversation returns a conversation seeded with the given messages.
func NewConversation(msgs ...Message) *Conversation {
	c := &Conversation{}
	c.messages = append(c.messages, msgs...)
	return c
}

func (c *Conversation) Add(msg Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("memory: invalid role %q", msg.Role)
	}
	c.lck.Lock()
	defer c.lck.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

// Messages returns a copy of the conversation messages.
func (c *Conversation) Messages() []Message {
	c.lck.RLock()
	defer c.lck.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.lck.RLock()
	defer c.lck.RUnlock()
	return len(c.messages)
}

// Memory stores the messages of a chat.
type Memory interface {
	Add(Message) error
	Messages() []Message
}
