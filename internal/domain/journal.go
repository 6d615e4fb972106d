package domain

import (
	"context"
	"time"
)

// JournalEntry is one recorded lifecycle step of a stream session.
type JournalEntry struct {
	ID             int64        `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SessionID      string       `json:"session_id"`
	Type           EventType    `json:"type"`
	Status         StreamStatus `json:"status,omitempty"`
	Code           ErrorCode    `json:"code,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	At             time.Time    `json:"at"`
}

// JournalReader lists recorded lifecycle entries for a conversation, oldest
// first. limit <= 0 returns all entries.
type JournalReader interface {
	Entries(ctx context.Context, conversationID string, limit int) ([]JournalEntry, error)
}
