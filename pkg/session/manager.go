// Package session owns conversations. Each live conversation has one actor
// goroutine that serializes sends and membership changes, which makes it the
// single ordering point for that conversation; different conversations run
// fully in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/delivery"
	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	ErrClosed          = errors.New("session manager closed")
	ErrInvalid         = errors.New("invalid request")
	ErrEmptyPayload    = fmt.Errorf("%w: empty payload", ErrInvalid)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrInvalid)
)

// Router is the fan-out the session hands committed messages to.
type Router interface {
	Route(ctx context.Context, msg model.Message, recipients []string) delivery.Report
	Notify(ctx context.Context, recipients []string, evt model.Event) int
}

type Options struct {
	Node         string
	IdleTimeout  time.Duration
	CacheSize    int
	MailboxSize  int
	MaxPayload   int
	StoreTimeout time.Duration
	Logger       zerolog.Logger
}

type Manager struct {
	store  store.Store
	router Router
	events events.Publisher
	opts   Options
	log    zerolog.Logger

	base context.Context
	stop context.CancelFunc
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewManager(s store.Store, router Router, pub events.Publisher, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 4096
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    s,
		router:   router,
		events:   pub,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		base:     base,
		stop:     stop,
		quit:     make(chan struct{}),
		sessions: make(map[string]*session),
	}
}

// acquire returns the live session for id, spawning it if needed, and pins
// it against idle eviction until release.
func (m *Manager) acquire(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(m, id)
		m.sessions[id] = s
		m.wg.Add(2)
		go s.run()
		go func() {
			defer m.wg.Done()
			s.lane.run(s.deliver)
		}()
	}
	s.refs++
	return s, nil
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	s.refs--
	m.mu.Unlock()
}

// lookup returns the live session for id without spawning one.
func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// tryEvict removes an idle session. Called from the session's own actor.
func (m *Manager) tryEvict(s *session) bool {
	return m.evict(s, 0)
}

// evict removes s unless more than held callers still pin it or work is
// queued. Called from the session's own actor.
func (m *Manager) evict(s *session, held int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.refs > held || len(s.mailbox) > 0 || !s.lane.idle() {
		return false
	}
	delete(m.sessions, s.id)
	return true
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the conversation's actor. Once the actor has accepted the
// command it runs to completion even if ctx is cancelled.
func call[T any](ctx context.Context, m *Manager, id string, fn func(ctx context.Context, s *session) (T, error)) (T, error) {
	var zero T
	s, err := m.acquire(id)
	if err != nil {
		return zero, err
	}
	defer m.release(s)

	reply := make(chan result[T], 1)
	cmd := func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
		defer cancel()
		v, err := fn(cctx, s)
		s.dropIfMissing(err)
		reply <- result[T]{v, err}
	}

	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrClosed
		}
	}
}

func (m *Manager) validatePayload(payload string) error {
	switch {
	case payload == "":
		return ErrEmptyPayload
	case len(payload) > m.opts.MaxPayload:
		return ErrPayloadTooLarge
	}
	return nil
}

// Create registers a new conversation with its initial members.
func (m *Manager) Create(ctx context.Context, conversationID string, members []string) (model.Conversation, error) {
	if conversationID == "" {
		return model.Conversation{}, fmt.Errorf("%w: conversation id is required", ErrInvalid)
	}
	return call(ctx, m, conversationID, func(ctx context.Context, s *session) (model.Conversation, error) {
		return s.create(ctx, members)
	})
}

// Send validates, persists and enqueues msg for delivery. It returns once the
// message is durable; pushes happen afterwards and never fail the send.
func (m *Manager) Send(ctx context.Context, conversationID, senderID, payload string) (model.Message, error) {
	if err := m.validatePayload(payload); err != nil {
		return model.Message{}, err
	}
	return call(ctx, m, conversationID, func(ctx context.Context, s *session) (model.Message, error) {
		return s.send(ctx, senderID, payload)
	})
}

func (m *Manager) AddMember(ctx context.Context, conversationID, identity string) error {
	_, err := call(ctx, m, conversationID, func(ctx context.Context, s *session) (struct{}, error) {
		return struct{}{}, s.addMember(ctx, identity)
	})
	return err
}

func (m *Manager) RemoveMember(ctx context.Context, conversationID, identity string) error {
	_, err := call(ctx, m, conversationID, func(ctx context.Context, s *session) (struct{}, error) {
		return struct{}{}, s.removeMember(ctx, identity)
	})
	return err
}

// Archive moves the conversation to its terminal state.
func (m *Manager) Archive(ctx context.Context, conversationID string) error {
	_, err := call(ctx, m, conversationID, func(ctx context.Context, s *session) (struct{}, error) {
		return struct{}{}, s.archive(ctx)
	})
	return err
}

// Conversation reads the conversation from the store, refreshing the live
// session with it.
func (m *Manager) Conversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	return call(ctx, m, conversationID, func(ctx context.Context, s *session) (model.Conversation, error) {
		if err := s.reload(ctx); err != nil {
			return model.Conversation{}, err
		}
		return s.snapshot(), nil
	})
}

// History reads from the store. When the store is unavailable the read is
// served from the live session's recent messages if they cover the range.
func (m *Manager) History(ctx context.Context, conversationID, reader string, fromID int64, limit int) ([]model.Message, error) {
	msgs, err := m.store.ReadRange(ctx, conversationID, reader, fromID, limit)
	if err == nil || !errors.Is(err, model.ErrStorageUnavailable) {
		return msgs, err
	}

	s := m.lookup(conversationID)
	if s == nil {
		return nil, err
	}
	cached, ok, cerr := s.cached(reader, fromID, limit)
	if cerr != nil {
		return nil, cerr
	}
	if !ok {
		return nil, err
	}
	m.log.Debug().Str("conversation_id", conversationID).Int("messages", len(cached)).Msg("history served from cache")
	return cached, nil
}

// MarkRead records that reader has read everything up to upToID and tells the
// other live members.
func (m *Manager) MarkRead(ctx context.Context, conversationID, reader string, upToID int64) (int, error) {
	type marked struct {
		n          int
		recipients []string
	}
	res, err := call(ctx, m, conversationID, func(ctx context.Context, s *session) (marked, error) {
		n, recipients, err := s.markRead(ctx, reader, upToID)
		return marked{n, recipients}, err
	})
	if err != nil {
		return 0, err
	}
	m.router.Notify(ctx, res.recipients, model.Event{
		Type:           model.TypeReadReceipt,
		ConversationID: conversationID,
		UserID:         reader,
		MessageID:      upToID,
		Timestamp:      time.Now().UTC(),
	})
	return res.n, nil
}

// Typing tells the other live members that identity is typing. Nothing is
// persisted.
func (m *Manager) Typing(ctx context.Context, conversationID, identity string) (int, error) {
	recipients, err := call(ctx, m, conversationID, func(ctx context.Context, s *session) ([]string, error) {
		return s.recipientsOf(ctx, identity)
	})
	if err != nil {
		return 0, err
	}
	return m.router.Notify(ctx, recipients, model.Event{
		Type:           model.TypeTyping,
		ConversationID: conversationID,
		UserID:         identity,
		Timestamp:      time.Now().UTC(),
	}), nil
}

func (m *Manager) publish(env events.Envelope) {
	env.Node = m.opts.Node
	if env.At.IsZero() {
		env.At = time.Now().UTC()
	}
	if err := m.events.Publish(m.base, env); err != nil {
		m.log.Warn().Err(err).Str("kind", string(env.Kind)).Str("conversation_id", env.ConversationID).Msg("failed to publish event")
	}
}

func (m *Manager) deliver(item laneItem) {
	if item.msg != nil {
		report := m.router.Route(m.base, *item.msg, item.recipients)
		failed := lo.CountBy(report.Results, func(r delivery.Result) bool { return r.Outcome == delivery.Failed })
		queued := lo.CountBy(report.Results, func(r delivery.Result) bool { return r.Outcome == delivery.QueuedOffline })
		m.log.Debug().
			Str("conversation_id", item.msg.ConversationID).
			Int64("message_id", item.msg.ID).
			Int("recipients", len(item.recipients)).
			Int("queued", queued).
			Int("failed", failed).
			Msg("message routed")
	}
	if item.env.Kind != "" {
		m.publish(item.env)
	}
}

type Stats struct {
	Sessions int `json:"sessions"`
	Backlog  int `json:"backlog"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		st.Backlog += s.lane.depth()
	}
	return st
}

// Close stops every actor and waits for queued deliveries to drain, or for
// ctx to expire, whichever comes first.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	defer m.stop()

	select {
	case <-drained:
		m.log.Info().Msg("sessions drained")
		return nil
	case <-ctx.Done():
		m.log.Warn().Int("backlog", m.Stats().Backlog).Msg("sessions did not drain before shutdown")
		return ctx.Err()
	}
}
