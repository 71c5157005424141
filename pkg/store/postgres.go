package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Postgres persists to the schema in pkg/db/migrations. Id assignment takes a
// row lock on the conversation for the duration of one short transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// classify keeps conflict errors as they are and treats every other failure
// as a durability failure.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, model.ErrConflict) {
		return err
	}
	return model.Unavailable(op, err)
}

const selectConversation = `
	SELECT c.id, c.state, c.last_message_id, c.created_at,
	       COALESCE(array_agg(m.identity ORDER BY m.identity) FILTER (WHERE m.identity IS NOT NULL), '{}')
	FROM conversations c
	LEFT JOIN conversation_members m ON m.conversation_id = c.id`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	var state string
	if err := row.Scan(&c.ID, &state, &c.LastMessageID, &c.CreatedAt, &c.Members); err != nil {
		return model.Conversation{}, err
	}
	c.State = model.ConversationState(state)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, id string, members []string) (model.Conversation, error) {
	members = model.NormalizeMembers(members)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Conversation{}, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`, id).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, model.ErrConversationExists
	}
	if err != nil {
		return model.Conversation{}, classify("insert conversation", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, identity)
		SELECT $1, unnest($2::text[])`, id, members); err != nil {
		return model.Conversation{}, classify("insert members", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Conversation{}, classify("commit conversation", err)
	}

	return model.Conversation{
		ID:        id,
		State:     model.StateActive,
		Members:   members,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func (p *Postgres) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	c, err := scanConversation(p.pool.QueryRow(ctx, selectConversation+` WHERE c.id = $1 GROUP BY c.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, model.ErrConversationNotFound
	}
	return c, classify("get conversation", err)
}

func (p *Postgres) ConversationsFor(ctx context.Context, identity string) ([]model.Conversation, error) {
	rows, err := p.pool.Query(ctx, selectConversation+`
		WHERE c.id IN (SELECT conversation_id FROM conversation_members WHERE identity = $1)
		GROUP BY c.id
		ORDER BY c.id`, identity)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, classify("list conversations", rows.Err())
}

// lockActive takes the conversation row lock and rejects archived conversations.
func lockActive(ctx context.Context, tx pgx.Tx, conversationID string) (int64, error) {
	var state string
	var last int64
	err := tx.QueryRow(ctx, `SELECT state, last_message_id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).
		Scan(&state, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}
	if model.ConversationState(state) == model.StateArchived {
		return 0, model.ErrArchived
	}
	return last, nil
}

func isMember(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, conversationID, identity string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND identity = $2)`,
		conversationID, identity).Scan(&ok)
	return ok, err
}

// membersOf reads the member set inside tx, under the conversation row lock.
func membersOf(ctx context.Context, tx pgx.Tx, conversationID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT identity FROM conversation_members WHERE conversation_id = $1 ORDER BY identity`, conversationID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) inActiveTx(ctx context.Context, op, conversationID string, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockActive(ctx, tx, conversationID); err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	return classify(op, tx.Commit(ctx))
}

func (p *Postgres) AddMember(ctx context.Context, conversationID, identity string) error {
	return p.inActiveTx(ctx, "add member", conversationID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, identity) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, conversationID, identity)
		return err
	})
}

func (p *Postgres) RemoveMember(ctx context.Context, conversationID, identity string) error {
	return p.inActiveTx(ctx, "remove member", conversationID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM conversation_members WHERE conversation_id = $1 AND identity = $2`,
			conversationID, identity)
		return err
	})
}

func (p *Postgres) Archive(ctx context.Context, conversationID string) error {
	return p.inActiveTx(ctx, "archive", conversationID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE conversations SET state = 'archived' WHERE id = $1`, conversationID)
		return err
	})
}

func (p *Postgres) Append(ctx context.Context, conversationID, senderID, payload string) (model.Message, []string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Message{}, nil, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	last, err := lockActive(ctx, tx, conversationID)
	if err != nil {
		return model.Message{}, nil, classify("lock conversation", err)
	}
	members, err := membersOf(ctx, tx, conversationID)
	if err != nil {
		return model.Message{}, nil, classify("read members", err)
	}
	if !slices.Contains(members, senderID) {
		return model.Message{}, nil, model.ErrNotMember
	}

	msg := model.Message{
		ID:             last + 1,
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        payload,
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_id = $2 WHERE id = $1`, conversationID, msg.ID); err != nil {
		return model.Message{}, nil, classify("advance sequence", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, id, sender_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`, conversationID, msg.ID, senderID, payload).Scan(&msg.CreatedAt)
	if err != nil {
		return model.Message{}, nil, classify("insert message", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, nil, classify("commit message", err)
	}

	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, members, nil
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ReadRange(ctx context.Context, conversationID, readerID string, fromID int64, limit int) ([]model.Message, error) {
	if fromID < 1 {
		fromID = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return nil, classify("check conversation", err)
	}
	if !exists {
		return nil, model.ErrConversationNotFound
	}
	ok, err := isMember(ctx, p.pool, conversationID, readerID)
	if err != nil {
		return nil, classify("check membership", err)
	}
	if !ok {
		return nil, model.ErrNotMember
	}

	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, id, sender_id, payload, created_at
		FROM messages
		WHERE conversation_id = $1 AND id >= $2
		ORDER BY id
		LIMIT $3`, conversationID, fromID, limit)
	if err != nil {
		return nil, classify("read range", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, classify("read range", err)
}

func (p *Postgres) PutReceipt(ctx context.Context, r model.Receipt) error {
	at := r.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO receipts (conversation_id, message_id, recipient_id, status, attempts, updated_at, delivered_at, read_at)
		VALUES ($1, $2, $3, $4::text, $5, $6::timestamptz,
		        CASE WHEN $4::text IN ('delivered', 'read') THEN $6::timestamptz END,
		        CASE WHEN $4::text = 'read' THEN $6::timestamptz END)
		ON CONFLICT (conversation_id, message_id, recipient_id) DO UPDATE SET
			status       = EXCLUDED.status,
			attempts     = receipts.attempts + EXCLUDED.attempts,
			updated_at   = EXCLUDED.updated_at,
			delivered_at = COALESCE(receipts.delivered_at, EXCLUDED.delivered_at),
			read_at      = COALESCE(receipts.read_at, EXCLUDED.read_at)
		WHERE receipt_rank(receipts.status) < receipt_rank(EXCLUDED.status)
		   OR (receipt_rank(receipts.status) = receipt_rank(EXCLUDED.status) AND receipts.status <> EXCLUDED.status)`,
		r.ConversationID, r.MessageID, r.RecipientID, string(r.Status), r.Attempts, at)
	return classify("put receipt", err)
}

func (p *Postgres) Receipts(ctx context.Context, conversationID string, messageID int64) ([]model.Receipt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, message_id, recipient_id, status, attempts, updated_at, delivered_at, read_at
		FROM receipts
		WHERE conversation_id = $1 AND message_id = $2
		ORDER BY recipient_id`, conversationID, messageID)
	if err != nil {
		return nil, classify("receipts", err)
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var status string
		if err := rows.Scan(&r.ConversationID, &r.MessageID, &r.RecipientID, &status, &r.Attempts,
			&r.UpdatedAt, &r.DeliveredAt, &r.ReadAt); err != nil {
			return nil, classify("scan receipt", err)
		}
		r.Status = model.DeliveryStatus(status)
		out = append(out, r)
	}
	return out, classify("receipts", rows.Err())
}

func (p *Postgres) PendingFor(ctx context.Context, recipient string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := p.pool.Query(ctx, `
		SELECT m.conversation_id, m.id, m.sender_id, m.payload, m.created_at
		FROM receipts r
		JOIN messages m ON m.conversation_id = r.conversation_id AND m.id = r.message_id
		WHERE r.recipient_id = $1 AND r.status IN ('pending', 'failed')
		ORDER BY r.conversation_id, r.message_id
		LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, classify("pending", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, classify("pending", err)
}

func (p *Postgres) MarkRead(ctx context.Context, conversationID, reader string, upToID int64) (int, error) {
	ok, err := isMember(ctx, p.pool, conversationID, reader)
	if err != nil {
		return 0, classify("check membership", err)
	}
	if !ok {
		if _, err := p.Conversation(ctx, conversationID); err != nil {
			return 0, err
		}
		return 0, model.ErrNotMember
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE receipts SET
			status       = 'read',
			updated_at   = now(),
			read_at      = now(),
			delivered_at = COALESCE(delivered_at, now())
		WHERE conversation_id = $1 AND recipient_id = $2 AND message_id <= $3 AND status <> 'read'`,
		conversationID, reader, upToID)
	if err != nil {
		return 0, classify("mark read", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify("ping", p.pool.Ping(ctx))
}

func (p *Postgres) Close() {
	p.pool.Close()
}
