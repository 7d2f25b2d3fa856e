package model

import (
	"slices"
	"strings"
	"time"
)

// Normalize turns raw thread records into conversations. Output order
// follows the first appearance of each conversation ID; messages are ordered
// by SentAt with ties kept in payload order. The result shares no memory with
// records, and the same input always yields the same output.
func Normalize(records []ThreadRecord) []Conversation {
	if len(records) == 0 {
		return []Conversation{}
	}

	index := make(map[string]int, len(records))
	out := make([]Conversation, 0, len(records))
	seenMessages := make(map[string]map[string]struct{}, len(records))

	for i := range records {
		rec := &records[i]
		id := strings.TrimSpace(rec.ConversationID)
		if id == "" {
			continue
		}

		pos, ok := index[id]
		if !ok {
			pos = len(out)
			index[id] = pos
			out = append(out, Conversation{
				Thread:   Thread{ConversationID: id},
				Messages: []Message{},
			})
			seenMessages[id] = make(map[string]struct{})
		}
		conv := &out[pos]
		mergeThread(&conv.Thread, rec)

		for _, msg := range rec.Messages {
			if msg.ID != "" {
				if _, dup := seenMessages[id][msg.ID]; dup {
					continue
				}
				seenMessages[id][msg.ID] = struct{}{}
			}
			conv.Messages = append(conv.Messages, msg)
			if msg.SentAt.After(conv.Thread.LastMessageAt) {
				conv.Thread.LastMessageAt = msg.SentAt
			}
		}
	}

	for i := range out {
		slices.SortStableFunc(out[i].Messages, func(a, b Message) int {
			return a.SentAt.Compare(b.SentAt)
		})
	}
	return out
}

func mergeThread(t *Thread, rec *ThreadRecord) {
	if t.LeadName == "" {
		t.LeadName = rec.LeadName
	}
	if t.ClientEmail == "" {
		t.ClientEmail = rec.ClientEmail
	}
	if t.AIScore == nil && rec.AIScore != nil {
		t.AIScore = Score(*rec.AIScore)
	}
	if rec.LastMessageAt.After(t.LastMessageAt) {
		t.LastMessageAt = rec.LastMessageAt
	}
}

// LatestActivity returns the most recent LastMessageAt in conversations.
func LatestActivity(conversations []Conversation) time.Time {
	var latest time.Time
	for i := range conversations {
		if at := conversations[i].Thread.LastMessageAt; at.After(latest) {
			latest = at
		}
	}
	return latest
}
