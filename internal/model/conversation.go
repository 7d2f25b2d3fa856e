// Package model defines data structures for the lead inbox.
package model

import (
	"time"
)

// Thread is one ongoing conversation with a lead.
type Thread struct {
	ConversationID string    `json:"conversation_id"`
	LeadName       string    `json:"lead_name"`
	ClientEmail    string    `json:"client_email"`
	LastMessageAt  time.Time `json:"last_message_at"`
	// AIScore is a 0-100 engagement estimate, nil until computed.
	AIScore *float64 `json:"ai_score"`
}

// Conversation is a normalized thread with its ordered messages.
type Conversation struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	return c.Thread.ConversationID
}

// Score returns a pointer to v, for building threads with a known score.
func Score(v float64) *float64 {
	return &v
}
