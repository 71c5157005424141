// Package events publishes what happened in the core to a downstream log.
// Delivery never depends on it: events are emitted after the store write
// and the push, and a failed publish is logged and dropped.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type Kind string

const (
	KindMessage              Kind = "message.persisted"
	KindRead                 Kind = "receipt.read"
	KindConversationCreated  Kind = "conversation.created"
	KindMemberAdded          Kind = "member.added"
	KindMemberRemoved        Kind = "member.removed"
	KindConversationArchived Kind = "conversation.archived"
)

// Envelope is the wire form of one event. Members carries the recipients of
// a message or the initial members of a conversation.
type Envelope struct {
	Kind           Kind           `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message,omitempty"`
	Members        []string       `json:"members,omitempty"`
	Identity       string         `json:"identity,omitempty"`
	UpToID         int64          `json:"up_to_id,omitempty"`
	Node           string         `json:"node,omitempty"`
	At             time.Time      `json:"at"`
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// Of returns the recorded envelopes of one kind.
func (r *Recorder) Of(kind Kind) []Envelope {
	var out []Envelope
	for _, env := range r.Events() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}
