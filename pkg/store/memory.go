package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type receiptKey struct {
	conversationID string
	messageID      int64
	recipient      string
}

type memConversation struct {
	conv     model.Conversation
	messages []model.Message
}

// Memory is an in-process Store used by tests and STORE_DRIVER=memory.
// A single mutex guards everything, which makes id assignment trivially atomic.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
	receipts      map[receiptKey]*model.Receipt
	undelivered   map[string]map[receiptKey]struct{}
	down          atomic.Bool
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*memConversation),
		receipts:      make(map[receiptKey]*model.Receipt),
		undelivered:   make(map[string]map[receiptKey]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetAvailable toggles a simulated outage. While unavailable every call
// fails with ErrStorageUnavailable.
func (m *Memory) SetAvailable(ok bool) {
	m.down.Store(!ok)
}

func (m *Memory) check(op string) error {
	if m.down.Load() {
		return model.Unavailable(op, fmt.Errorf("memory store offline"))
	}
	return nil
}

func (m *Memory) CreateConversation(_ context.Context, id string, members []string) (model.Conversation, error) {
	if err := m.check("create conversation"); err != nil {
		return model.Conversation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; ok {
		return model.Conversation{}, model.ErrConversationExists
	}
	conv := model.Conversation{
		ID:        id,
		State:     model.StateActive,
		Members:   model.NormalizeMembers(members),
		CreatedAt: m.now(),
	}
	m.conversations[id] = &memConversation{conv: conv}
	return conv.Clone(), nil
}

func (m *Memory) Conversation(_ context.Context, id string) (model.Conversation, error) {
	if err := m.check("get conversation"); err != nil {
		return model.Conversation{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return model.Conversation{}, model.ErrConversationNotFound
	}
	return c.conv.Clone(), nil
}

func (m *Memory) ConversationsFor(_ context.Context, identity string) ([]model.Conversation, error) {
	if err := m.check("list conversations"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Conversation
	for _, c := range m.conversations {
		if c.conv.IsMember(identity) {
			out = append(out, c.conv.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Conversation) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) AddMember(_ context.Context, conversationID, identity string) error {
	return m.mutate("add member", conversationID, func(c *model.Conversation) {
		c.Members = model.NormalizeMembers(append(c.Members, identity))
	})
}

func (m *Memory) RemoveMember(_ context.Context, conversationID, identity string) error {
	return m.mutate("remove member", conversationID, func(c *model.Conversation) {
		c.Members = slices.DeleteFunc(c.Members, func(s string) bool { return s == identity })
	})
}

func (m *Memory) Archive(_ context.Context, conversationID string) error {
	return m.mutate("archive", conversationID, func(c *model.Conversation) {
		c.State = model.StateArchived
	})
}

func (m *Memory) mutate(op, conversationID string, fn func(*model.Conversation)) error {
	if err := m.check(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return model.ErrConversationNotFound
	}
	if c.conv.Archived() {
		return model.ErrArchived
	}
	fn(&c.conv)
	return nil
}

func (m *Memory) Append(_ context.Context, conversationID, senderID, payload string) (model.Message, []string, error) {
	if err := m.check("append"); err != nil {
		return model.Message{}, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	switch {
	case !ok:
		return model.Message{}, nil, model.ErrConversationNotFound
	case !c.conv.IsMember(senderID):
		return model.Message{}, nil, model.ErrNotMember
	case c.conv.Archived():
		return model.Message{}, nil, model.ErrArchived
	}

	c.conv.LastMessageID++
	msg := model.Message{
		ID:             c.conv.LastMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        payload,
		CreatedAt:      m.now(),
	}
	c.messages = append(c.messages, msg)
	return msg, slices.Clone(c.conv.Members), nil
}

func (m *Memory) ReadRange(_ context.Context, conversationID, readerID string, fromID int64, limit int) ([]model.Message, error) {
	if err := m.check("read range"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, model.ErrConversationNotFound
	}
	if !c.conv.IsMember(readerID) {
		return nil, model.ErrNotMember
	}
	if fromID < 1 {
		fromID = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	// ids are 1-based and gapless, so the slice index is id-1
	start := int(fromID - 1)
	if start >= len(c.messages) {
		return nil, nil
	}
	end := min(start+limit, len(c.messages))
	return slices.Clone(c.messages[start:end]), nil
}

func (m *Memory) PutReceipt(_ context.Context, r model.Receipt) error {
	if err := m.check("put receipt"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := receiptKey{r.ConversationID, r.MessageID, r.RecipientID}
	cur, ok := m.receipts[key]
	if !ok {
		cur = &model.Receipt{ConversationID: r.ConversationID, MessageID: r.MessageID, RecipientID: r.RecipientID}
		m.receipts[key] = cur
	}
	at := r.UpdatedAt
	if at.IsZero() {
		at = m.now()
	}
	cur.Apply(r.Status, r.Attempts, at)
	m.index(key, cur.Status)
	return nil
}

func (m *Memory) index(key receiptKey, status model.DeliveryStatus) {
	set := m.undelivered[key.recipient]
	if status.Undelivered() {
		if set == nil {
			set = make(map[receiptKey]struct{})
			m.undelivered[key.recipient] = set
		}
		set[key] = struct{}{}
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m.undelivered, key.recipient)
	}
}

func (m *Memory) Receipts(_ context.Context, conversationID string, messageID int64) ([]model.Receipt, error) {
	if err := m.check("receipts"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Receipt
	for key, r := range m.receipts {
		if key.conversationID == conversationID && key.messageID == messageID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b model.Receipt) int { return cmp.Compare(a.RecipientID, b.RecipientID) })
	return out, nil
}

func (m *Memory) PendingFor(_ context.Context, recipient string, limit int) ([]model.Message, error) {
	if err := m.check("pending"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]receiptKey, 0, len(m.undelivered[recipient]))
	for key := range m.undelivered[recipient] {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b receiptKey) int {
		return cmp.Or(cmp.Compare(a.conversationID, b.conversationID), cmp.Compare(a.messageID, b.messageID))
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]model.Message, 0, len(keys))
	for _, key := range keys {
		c, ok := m.conversations[key.conversationID]
		if !ok || key.messageID > int64(len(c.messages)) {
			continue
		}
		out = append(out, c.messages[key.messageID-1])
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, conversationID, reader string, upToID int64) (int, error) {
	if err := m.check("mark read"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, model.ErrConversationNotFound
	}
	if !c.conv.IsMember(reader) {
		return 0, model.ErrNotMember
	}
	now := m.now()
	n := 0
	for key, r := range m.receipts {
		if key.conversationID != conversationID || key.recipient != reader || key.messageID > upToID {
			continue
		}
		if r.Apply(model.StatusRead, 0, now) {
			m.index(key, r.Status)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error {
	return m.check("ping")
}

func (m *Memory) Close() {}
