package models

import "time"

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAgent Sender = "agent"
)

// DisplayName returns the label shown above a message bubble.
func (s Sender) DisplayName() string {
	switch s {
	case SenderBot:
		return "Assistant Bmd Technologies"
	case SenderAgent:
		return "Agent Support"
	case SenderUser:
		return "Vous"
	default:
		return ""
	}
}

// ChatKind selects the reply catalog: the floating widget or the full support page.
type ChatKind string

const (
	ChatKindWidget ChatKind = "widget"
	ChatKindPage   ChatKind = "page"
)

// ChatMessage is one entry of a chat transcript.
type ChatMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatState is a snapshot of a chat session.
type ChatState struct {
	ID       string        `json:"id"`
	Kind     ChatKind      `json:"kind"`
	Messages []ChatMessage `json:"messages"`
	IsTyping bool          `json:"isTyping"`
}

// QuickAction is a canned prompt offered on the support page.
type QuickAction struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}
