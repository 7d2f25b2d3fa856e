package model

import (
	"time"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderLead  Sender = "lead"
	SenderAgent Sender = "agent"
	SenderAI    Sender = "ai"
)

// Message is a single message within a conversation.
type Message struct {
	ID     string    `json:"id"`
	Sender Sender    `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// ThreadRecord is one element of the raw threads payload returned by the
// gateway. A payload may carry one record per thread or one per message;
// records sharing a conversation ID are merged by Normalize.
type ThreadRecord struct {
	ConversationID string    `json:"conversation_id"`
	LeadName       string    `json:"lead_name,omitempty"`
	ClientEmail    string    `json:"client_email,omitempty"`
	LastMessageAt  time.Time `json:"last_message_at,omitempty"`
	AIScore        *float64  `json:"ai_score,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}

// UpdateCheck is the payload of the lightweight "anything new since" check.
type UpdateCheck struct {
	HasNew bool `json:"has_new"`
}
