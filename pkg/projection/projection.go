// Package projection maintains the Scylla read model fed by the event log:
// a copy of every persisted message, each user's conversation list and
// per-conversation unread counters.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		payload text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id text,
		user_id text,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		last_message_id bigint,
		last_sender_id text,
		last_updated timestamp,
		archived boolean,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

// EnsureSchema creates the projection tables in the session's keyspace.
func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create projection schema: %w", err)
		}
	}
	return nil
}

// Conversation is one entry of a user's conversation list.
type Conversation struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	LastMessageID  int64     `json:"last_message_id"`
	LastSenderID   string    `json:"last_sender_id,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	Archived       bool      `json:"archived"`
	UnreadCount    int64     `json:"unread_count"`
}

type stmt struct {
	cql  string
	args []any
}

const (
	insertMessage = `INSERT INTO messages (conversation_id, id, sender_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	insertMember  = `INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`
	deleteMember  = `DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`
	touchConv     = `UPDATE user_conversations SET last_updated = ? WHERE user_id = ? AND conversation_id = ?`
	lastMessage   = `UPDATE user_conversations SET last_message_id = ?, last_sender_id = ?, last_updated = ? WHERE user_id = ? AND conversation_id = ?`
	archiveConv   = `UPDATE user_conversations SET archived = true, last_updated = ? WHERE user_id = ? AND conversation_id = ?`
	deleteConv    = `DELETE FROM user_conversations WHERE user_id = ? AND conversation_id = ?`
	incrUnread    = `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND conversation_id = ?`
	// Counters cannot be set; deleting the row resets it to zero.
	resetUnread = `DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`
)

// plan turns one envelope into the statements that project it. members is
// only consulted for archive events, which carry no member list.
func plan(env events.Envelope, members []string) []stmt {
	id := env.ConversationID
	var out []stmt
	switch env.Kind {
	case events.KindConversationCreated:
		for _, m := range env.Members {
			out = append(out,
				stmt{insertMember, []any{id, m}},
				stmt{touchConv, []any{env.At, m, id}},
			)
		}

	case events.KindMemberAdded:
		out = append(out,
			stmt{insertMember, []any{id, env.Identity}},
			stmt{touchConv, []any{env.At, env.Identity, id}},
		)

	case events.KindMemberRemoved:
		out = append(out,
			stmt{deleteMember, []any{id, env.Identity}},
			stmt{deleteConv, []any{env.Identity, id}},
			stmt{resetUnread, []any{env.Identity, id}},
		)

	case events.KindMessage:
		if env.Message == nil {
			return nil
		}
		msg := env.Message
		out = append(out, stmt{insertMessage, []any{id, msg.ID, msg.SenderID, msg.Payload, msg.CreatedAt}})
		for _, m := range lo.Uniq(append([]string{msg.SenderID}, env.Members...)) {
			out = append(out, stmt{lastMessage, []any{msg.ID, msg.SenderID, msg.CreatedAt, m, id}})
		}
		for _, m := range env.Members {
			out = append(out, stmt{incrUnread, []any{m, id}})
		}

	case events.KindRead:
		out = append(out, stmt{resetUnread, []any{env.Identity, id}})

	case events.KindConversationArchived:
		for _, m := range members {
			out = append(out, stmt{archiveConv, []any{env.At, m, id}})
		}
	}
	return out
}

type Projector struct {
	session *gocql.Session
	log     zerolog.Logger
}

func New(session *gocql.Session, log zerolog.Logger) *Projector {
	return &Projector{session: session, log: log.With().Str("component", "projection").Logger()}
}

// Apply projects one event. Apart from unread counters every statement is an
// idempotent upsert, so redelivered events are harmless.
func (p *Projector) Apply(ctx context.Context, env events.Envelope) error {
	var members []string
	if env.Kind == events.KindConversationArchived {
		var err error
		if members, err = p.members(ctx, env.ConversationID); err != nil {
			return err
		}
	}

	for _, s := range plan(env, members) {
		if err := p.session.Query(s.cql, s.args...).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("project %s for %s: %w", env.Kind, env.ConversationID, err)
		}
	}
	p.log.Debug().Str("kind", string(env.Kind)).Str("conversation_id", env.ConversationID).Msg("event projected")
	return nil
}

func (p *Projector) members(ctx context.Context, conversationID string) ([]string, error) {
	iter := p.session.Query(`SELECT user_id FROM conversation_members WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()
	var out []string
	var m string
	for iter.Scan(&m) {
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read members of %s: %w", conversationID, err)
	}
	return out, nil
}

// Conversations lists userID's conversations with their unread counts.
func (p *Projector) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	iter := p.session.Query(`SELECT conversation_id, last_message_id, last_sender_id, last_updated, archived
		FROM user_conversations WHERE user_id = ?`, userID).WithContext(ctx).Iter()

	var out []Conversation
	c := Conversation{UserID: userID}
	for iter.Scan(&c.ConversationID, &c.LastMessageID, &c.LastSenderID, &c.LastUpdated, &c.Archived) {
		out = append(out, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}

	counts, err := p.unread(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].UnreadCount = counts[out[i].ConversationID]
	}
	return out, nil
}

func (p *Projector) unread(ctx context.Context, userID string) (map[string]int64, error) {
	iter := p.session.Query(`SELECT conversation_id, unread_count FROM conversation_counters WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	counts := make(map[string]int64)
	var id string
	var n int64
	for iter.Scan(&id, &n) {
		counts[id] = n
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read unread counters of %s: %w", userID, err)
	}
	return counts, nil
}

// ResetUnread zeroes userID's unread counter for one conversation.
func (p *Projector) ResetUnread(ctx context.Context, userID, conversationID string) error {
	if err := p.session.Query(resetUnread, userID, conversationID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("reset unread count: %w", err)
	}
	return nil
}

// IsMember reports whether userID belongs to the projected conversation.
func (p *Projector) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var m string
	err := p.session.Query(`SELECT user_id FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).WithContext(ctx).Scan(&m)
	switch {
	case errors.Is(err, gocql.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// History returns up to limit projected messages with id >= fromID.
func (p *Projector) History(ctx context.Context, conversationID string, fromID int64, limit int) ([]model.Message, error) {
	iter := p.session.Query(`SELECT id, sender_id, payload, created_at FROM messages
		WHERE conversation_id = ? AND id >= ? LIMIT ?`, conversationID, fromID, limit).WithContext(ctx).Iter()

	var out []model.Message
	msg := model.Message{ConversationID: conversationID}
	for iter.Scan(&msg.ID, &msg.SenderID, &msg.Payload, &msg.CreatedAt) {
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read history of %s: %w", conversationID, err)
	}
	return out, nil
}
