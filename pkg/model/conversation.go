package model

import (
	"slices"
	"time"
)

type ConversationState string

const (
	StateActive   ConversationState = "active"
	StateArchived ConversationState = "archived"
)

// Conversation is owned by its session. Members is kept sorted.
type Conversation struct {
	ID            string            `json:"id"`
	State         ConversationState `json:"state"`
	Members       []string          `json:"members"`
	LastMessageID int64             `json:"last_message_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (c Conversation) IsMember(identity string) bool {
	_, ok := slices.BinarySearch(c.Members, identity)
	return ok
}

func (c Conversation) Archived() bool {
	return c.State == StateArchived
}

// Recipients returns every member except the sender.
func (c Conversation) Recipients(sender string) []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != sender {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a copy that does not share the member slice.
func (c Conversation) Clone() Conversation {
	c.Members = slices.Clone(c.Members)
	return c
}

// NormalizeMembers sorts and deduplicates identities, dropping empty ones.
func NormalizeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
