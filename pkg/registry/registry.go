// Package registry tracks the live delivery channels of every connected
// identity on this node. Entries are sharded by identity so that register,
// unregister and lookup for different identities never contend on one lock.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("registry closed")

// Channel is the push capability of one live transport endpoint. Channel
// values are used as map keys for idempotent registration, so implementations
// must be comparable (pointer receivers).
type Channel interface {
	Push(ctx context.Context, msg model.Message) error
	Close() error
}

// EventChannel is implemented by channels that can also carry ephemeral events.
type EventChannel interface {
	PushEvent(ctx context.Context, evt model.Event) error
}

// Handle identifies one registered connection.
type Handle struct {
	ID       int64
	Identity string
}

func (h Handle) IsZero() bool { return h.ID == 0 }

type Connection struct {
	Handle
	Channel     Channel
	Node        string
	ConnectedAt time.Time

	lastSeen atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc
}

// Context is cancelled when the connection is unregistered. Pushes to this
// connection run under it so that a disconnect cancels only its own work.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

type PresenceKind int

const (
	Online PresenceKind = iota + 1
	Offline
)

func (k PresenceKind) String() string {
	switch k {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// PresenceEvent is emitted after a connection is added or removed.
// Remaining is the number of live connections the identity still has.
type PresenceEvent struct {
	Kind      PresenceKind
	Handle    Handle
	Node      string
	Remaining int
	At        time.Time
}

type Listener func(PresenceEvent)

type Options struct {
	Node            string
	Shards          int
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	IDs             *snowflake.Node
	Logger          zerolog.Logger
	Now             func() time.Time
}

type shard struct {
	mu         sync.RWMutex
	byIdentity map[string]map[int64]*Connection
}

// listener owns an unbounded queue so that emit never blocks, even when the
// listener itself registers or unregisters connections.
type listener struct {
	fn     Listener
	mu     sync.Mutex
	queue  []PresenceEvent
	closed bool
	wake   chan struct{}
}

func (l *listener) push(evt PresenceEvent) {
	l.mu.Lock()
	l.queue = append(l.queue, evt)
	l.mu.Unlock()
	l.signal()
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *listener) run() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		evt := l.queue[0]
		l.queue[0] = PresenceEvent{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.fn(evt)
	}
}

type Registry struct {
	opts   Options
	shards []*shard
	log    zerolog.Logger
	base   context.Context
	stop   context.CancelFunc

	mu        sync.RWMutex // guards listeners and closed
	listeners []*listener
	closed    bool
	wg        sync.WaitGroup
}

func New(opts Options) (*Registry, error) {
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDs == nil {
		ids, err := snowflake.NewNode(0)
		if err != nil {
			return nil, err
		}
		opts.IDs = ids
	}

	base, stop := context.WithCancel(context.Background())
	r := &Registry{
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		log:    opts.Logger.With().Str("component", "registry").Logger(),
		base:   base,
		stop:   stop,
	}
	for i := range r.shards {
		r.shards[i] = &shard{byIdentity: make(map[string]map[int64]*Connection)}
	}
	return r, nil
}

func (r *Registry) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Subscribe adds a presence listener. Each listener receives events in
// order on its own goroutine, so a slow listener does not delay the others.
func (r *Registry) Subscribe(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	l := &listener{fn: fn, wake: make(chan struct{}, 1)}
	r.listeners = append(r.listeners, l)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.run()
	}()
}

func (r *Registry) emit(evt PresenceEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, l := range r.listeners {
		l.push(evt)
	}
}

// Register adds a channel for identity and returns its handle. Registering
// the same channel again for the same identity returns the existing handle
// and emits nothing.
func (r *Registry) Register(identity string, ch Channel) (Handle, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Handle{}, ErrClosed
	}

	s := r.shardFor(identity)
	s.mu.Lock()
	conns := s.byIdentity[identity]
	for _, c := range conns {
		if c.Channel == ch {
			s.mu.Unlock()
			return c.Handle, nil
		}
	}

	now := r.opts.Now()
	ctx, cancel := context.WithCancel(r.base)
	c := &Connection{
		Handle:      Handle{ID: r.opts.IDs.Generate(), Identity: identity},
		Channel:     ch,
		Node:        r.opts.Node,
		ConnectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.lastSeen.Store(now.UnixNano())
	if conns == nil {
		conns = make(map[int64]*Connection)
		s.byIdentity[identity] = conns
	}
	conns[c.ID] = c
	remaining := len(conns)
	s.mu.Unlock()

	r.log.Debug().Str("identity", identity).Int64("handle", c.ID).Int("connections", remaining).Msg("connection registered")
	r.emit(PresenceEvent{Kind: Online, Handle: c.Handle, Node: r.opts.Node, Remaining: remaining, At: now})
	return c.Handle, nil
}

// Unregister removes the connection and cancels its context. It reports
// whether the handle was still registered.
func (r *Registry) Unregister(h Handle) bool {
	c, remaining, ok := r.remove(h)
	if !ok {
		return false
	}
	c.cancel()
	r.log.Debug().Str("identity", h.Identity).Int64("handle", h.ID).Int("connections", remaining).Msg("connection unregistered")
	r.emit(PresenceEvent{Kind: Offline, Handle: h, Node: r.opts.Node, Remaining: remaining, At: r.opts.Now()})
	return true
}

func (r *Registry) remove(h Handle) (*Connection, int, bool) {
	s := r.shardFor(h.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.byIdentity[h.Identity]
	c, ok := conns[h.ID]
	if !ok {
		return nil, 0, false
	}
	delete(conns, h.ID)
	if len(conns) == 0 {
		delete(s.byIdentity, h.Identity)
	}
	return c, len(conns), true
}

// ChannelsFor returns a snapshot of the identity's live connections; empty
// when the identity is offline.
func (r *Registry) ChannelsFor(identity string) []*Connection {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.byIdentity[identity]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Lookup(h Handle) (*Connection, bool) {
	s := r.shardFor(h.Identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byIdentity[h.Identity][h.ID]
	return c, ok
}

func (r *Registry) Online(identity string) bool {
	s := r.shardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIdentity[identity]) > 0
}

// Touch records liveness for the connection, typically on a pong.
func (r *Registry) Touch(h Handle) {
	if c, ok := r.Lookup(h); ok {
		c.lastSeen.Store(r.opts.Now().UnixNano())
	}
}

// Identities lists every identity with at least one live connection.
func (r *Registry) Identities() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.byIdentity {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byIdentity {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// Sweep unregisters and closes every connection not seen since the liveness
// timeout. It returns the number of connections removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.LivenessTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.LivenessTimeout).UnixNano()

	var stale []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byIdentity {
			for _, c := range conns {
				if c.lastSeen.Load() < cutoff {
					stale = append(stale, c)
				}
			}
		}
		s.mu.RUnlock()
	}

	n := 0
	for _, c := range stale {
		if r.Unregister(c.Handle) {
			n++
			if err := c.Channel.Close(); err != nil {
				r.log.Debug().Err(err).Int64("handle", c.ID).Msg("closing stale channel")
			}
		}
	}
	if n > 0 {
		r.log.Info().Int("removed", n).Msg("swept stale connections")
	}
	return n
}

// Run sweeps stale connections until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}

// Close tears the registry down: every connection is unregistered and its
// channel closed, listeners drain their queues, then Close returns.
func (r *Registry) Close() {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	var all []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byIdentity {
			for _, c := range conns {
				all = append(all, c)
			}
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		if r.Unregister(c.Handle) {
			if err := c.Channel.Close(); err != nil {
				r.log.Debug().Err(err).Int64("handle", c.ID).Msg("closing channel on shutdown")
			}
		}
	}

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, l := range r.listeners {
			l.close()
		}
	}
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
	r.log.Info().Int("closed", len(all)).Msg("registry closed")
}
