package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// session is the actor of one conversation. Only run's goroutine mutates
// conv and cache; mu lets History read them from outside.
type session struct {
	id      string
	m       *Manager
	mailbox chan func()
	done    chan struct{}
	lane    *lane
	refs    int  // guarded by Manager.mu
	gone    bool // set by the actor once it has removed itself

	mu     sync.RWMutex
	conv   model.Conversation
	loaded bool
	cache  recent
}

func newSession(m *Manager, id string) *session {
	return &session{
		id:      id,
		m:       m,
		mailbox: make(chan func(), m.opts.MailboxSize),
		done:    make(chan struct{}),
		lane:    newLane(),
		cache:   recent{size: m.opts.CacheSize},
	}
}

func (s *session) run() {
	defer s.m.wg.Done()
	defer close(s.done)
	defer s.lane.close()

	idle := time.NewTimer(s.m.opts.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case cmd := <-s.mailbox:
			cmd()
			if s.gone {
				s.m.log.Debug().Str("conversation_id", s.id).Msg("session for unknown conversation dropped")
				return
			}
			idle.Reset(s.m.opts.IdleTimeout)
		case <-idle.C:
			if s.m.tryEvict(s) {
				s.m.log.Debug().Str("conversation_id", s.id).Msg("idle session evicted")
				return
			}
			idle.Reset(s.m.opts.IdleTimeout)
		case <-s.m.quit:
			return
		}
	}
}

func (s *session) deliver(item laneItem) { s.m.deliver(item) }

// load reads the conversation once and warms the cache with its tail.
func (s *session) load(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	conv, err := s.m.store.Conversation(ctx, s.id)
	if err != nil {
		return err
	}

	var tail []model.Message
	if s.cache.size > 0 && conv.LastMessageID > 0 && len(conv.Members) > 0 {
		from := max(conv.LastMessageID-int64(s.cache.size)+1, 1)
		tail, err = s.m.store.ReadRange(ctx, s.id, conv.Members[0], from, s.cache.size)
		if err != nil {
			s.m.log.Debug().Err(err).Str("conversation_id", s.id).Msg("could not warm cache")
			tail = nil
		}
	}

	s.mu.Lock()
	s.conv = conv
	s.loaded = true
	s.cache.reset(tail)
	s.mu.Unlock()
	return nil
}

// invalidate drops the loaded state after the store disagreed with it.
func (s *session) invalidate(err error) {
	if errors.Is(err, model.ErrConflict) {
		s.mu.Lock()
		s.loaded = false
		s.mu.Unlock()
	}
}

// reload reads the conversation again. Other nodes change membership in the
// shared store, so a cached "not a member" is confirmed before it is acted on.
func (s *session) reload(ctx context.Context) error {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return s.load(ctx)
}

// member reports whether identity belongs to the conversation, reloading once
// when the cached member set says it does not.
func (s *session) member(ctx context.Context, identity string) (model.Conversation, bool, error) {
	if err := s.load(ctx); err != nil {
		return model.Conversation{}, false, err
	}
	if conv := s.snapshot(); conv.IsMember(identity) {
		return conv, true, nil
	}
	if err := s.reload(ctx); err != nil {
		return model.Conversation{}, false, err
	}
	conv := s.snapshot()
	return conv, conv.IsMember(identity), nil
}

// dropIfMissing removes a session whose conversation does not exist so that
// unknown ids do not keep actors alive. Runs on the actor.
func (s *session) dropIfMissing(err error) {
	if !errors.Is(err, model.ErrConversationNotFound) {
		return
	}
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if !loaded && s.m.evict(s, 1) {
		s.gone = true
	}
}

func (s *session) snapshot() model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.Clone()
}

func (s *session) update(fn func(c *model.Conversation)) {
	s.mu.Lock()
	fn(&s.conv)
	s.mu.Unlock()
}

// checkActive loads state and rejects archived conversations.
func (s *session) checkActive(ctx context.Context) (model.Conversation, error) {
	if err := s.load(ctx); err != nil {
		return model.Conversation{}, err
	}
	conv := s.snapshot()
	if conv.Archived() {
		return conv, model.ErrArchived
	}
	return conv, nil
}

func (s *session) create(ctx context.Context, members []string) (model.Conversation, error) {
	conv, err := s.m.store.CreateConversation(ctx, s.id, members)
	if err != nil {
		return model.Conversation{}, err
	}

	s.mu.Lock()
	s.conv = conv.Clone()
	s.loaded = true
	s.cache.reset(nil)
	s.mu.Unlock()

	s.lane.push(laneItem{env: events.Envelope{
		Kind:           events.KindConversationCreated,
		ConversationID: s.id,
		Members:        conv.Members,
		At:             conv.CreatedAt,
	}})
	return conv, nil
}

// send lets the store decide membership: the member set returned by Append
// is the one the message was committed under, and the fan-out uses it.
func (s *session) send(ctx context.Context, sender, payload string) (model.Message, error) {
	if _, err := s.checkActive(ctx); err != nil {
		return model.Message{}, err
	}

	msg, members, err := s.m.store.Append(ctx, s.id, sender, payload)
	if err != nil {
		s.invalidate(err)
		return model.Message{}, err
	}

	s.mu.Lock()
	s.conv.LastMessageID = msg.ID
	s.conv.Members = members
	s.cache.add(msg)
	s.mu.Unlock()

	recipients := model.Conversation{Members: members}.Recipients(sender)
	s.lane.push(laneItem{
		msg:        &msg,
		recipients: recipients,
		env: events.Envelope{
			Kind:           events.KindMessage,
			ConversationID: s.id,
			Message:        &msg,
			Members:        recipients,
			At:             msg.CreatedAt,
		},
	})
	return msg, nil
}

func (s *session) addMember(ctx context.Context, identity string) error {
	if _, err := s.checkActive(ctx); err != nil {
		return err
	}
	if err := s.m.store.AddMember(ctx, s.id, identity); err != nil {
		s.invalidate(err)
		return err
	}
	s.update(func(c *model.Conversation) {
		c.Members = model.NormalizeMembers(append(c.Members, identity))
	})
	s.lane.push(laneItem{env: events.Envelope{Kind: events.KindMemberAdded, ConversationID: s.id, Identity: identity}})
	return nil
}

func (s *session) removeMember(ctx context.Context, identity string) error {
	if _, err := s.checkActive(ctx); err != nil {
		return err
	}
	if _, ok, err := s.member(ctx, identity); err != nil {
		return err
	} else if !ok {
		return model.ErrNotMember
	}
	if err := s.m.store.RemoveMember(ctx, s.id, identity); err != nil {
		s.invalidate(err)
		return err
	}
	s.update(func(c *model.Conversation) {
		c.Members = c.Recipients(identity)
	})
	s.lane.push(laneItem{env: events.Envelope{Kind: events.KindMemberRemoved, ConversationID: s.id, Identity: identity}})
	return nil
}

func (s *session) archive(ctx context.Context) error {
	if _, err := s.checkActive(ctx); err != nil {
		return err
	}
	if err := s.m.store.Archive(ctx, s.id); err != nil {
		s.invalidate(err)
		return err
	}
	s.update(func(c *model.Conversation) { c.State = model.StateArchived })
	s.lane.push(laneItem{env: events.Envelope{Kind: events.KindConversationArchived, ConversationID: s.id}})
	return nil
}

// recipientsOf checks that identity belongs to the conversation and returns
// the other members.
func (s *session) recipientsOf(ctx context.Context, identity string) ([]string, error) {
	conv, ok, err := s.member(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrNotMember
	}
	return conv.Recipients(identity), nil
}

func (s *session) markRead(ctx context.Context, reader string, upToID int64) (int, []string, error) {
	recipients, err := s.recipientsOf(ctx, reader)
	if err != nil {
		return 0, nil, err
	}
	n, err := s.m.store.MarkRead(ctx, s.id, reader, upToID)
	if err != nil {
		return 0, nil, err
	}
	s.lane.push(laneItem{env: events.Envelope{
		Kind:           events.KindRead,
		ConversationID: s.id,
		Identity:       reader,
		UpToID:         upToID,
	}})
	return n, recipients, nil
}

// cached serves a history read from memory. ok is false when the cache does
// not cover the range.
func (s *session) cached(reader string, fromID int64, limit int) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, false, nil
	}
	if !s.conv.IsMember(reader) {
		return nil, false, model.ErrNotMember
	}
	msgs, ok := s.cache.read(fromID, limit, s.conv.LastMessageID)
	return msgs, ok, nil
}
