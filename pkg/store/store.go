// Package store is the durable record of conversations, messages and
// delivery receipts. Every driver maps its own failures onto the
// model error taxonomy: ErrConflict for membership and state violations,
// ErrStorageUnavailable for anything that leaves durability in doubt.
package store

import (
	"context"
	"iter"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type Store interface {
	CreateConversation(ctx context.Context, id string, members []string) (model.Conversation, error)
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	ConversationsFor(ctx context.Context, identity string) ([]model.Conversation, error)
	AddMember(ctx context.Context, conversationID, identity string) error
	RemoveMember(ctx context.Context, conversationID, identity string) error
	Archive(ctx context.Context, conversationID string) error

	// Append assigns the next message id for the conversation and persists
	// the message before returning it, together with the members the message
	// was committed under.
	Append(ctx context.Context, conversationID, senderID, payload string) (model.Message, []string, error)
	// ReadRange returns up to limit messages with ID >= fromID in id order.
	ReadRange(ctx context.Context, conversationID, readerID string, fromID int64, limit int) ([]model.Message, error)

	// PutReceipt creates or advances a receipt. Status never moves backwards.
	PutReceipt(ctx context.Context, r model.Receipt) error
	Receipts(ctx context.Context, conversationID string, messageID int64) ([]model.Receipt, error)
	// PendingFor returns messages whose receipt for recipient is pending or
	// failed, ordered by conversation then id.
	PendingFor(ctx context.Context, recipient string, limit int) ([]model.Message, error)
	// MarkRead flips every receipt of reader up to and including upToID to read.
	MarkRead(ctx context.Context, conversationID, reader string, upToID int64) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// DefaultPageSize is used by Pages when the caller passes a non-positive size.
const DefaultPageSize = 100

// Pages reads a conversation lazily, one ReadRange call per page, starting at
// fromID. Iteration stops at the first error, which is yielded once. To resume
// after a break, call Pages again with the last seen id + 1.
func Pages(ctx context.Context, s Store, conversationID, readerID string, fromID int64, pageSize int) iter.Seq2[model.Message, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if fromID < 1 {
		fromID = 1
	}
	return func(yield func(model.Message, error) bool) {
		next := fromID
		for {
			page, err := s.ReadRange(ctx, conversationID, readerID, next, pageSize)
			if err != nil {
				yield(model.Message{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				next = msg.ID + 1
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}
