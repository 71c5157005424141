// Package delivery fans persisted messages out to the live channels of their
// recipients and queues them, as pending receipts, for everyone else.
package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/mahaj/dupahar-chat/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Outcome int

const (
	DeliveredLive Outcome = iota + 1
	QueuedOffline
	Failed
)

func (o Outcome) String() string {
	switch o {
	case DeliveredLive:
		return "delivered_live"
	case QueuedOffline:
		return "queued_offline"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipts is the part of the store the router writes to.
type Receipts interface {
	PutReceipt(ctx context.Context, r model.Receipt) error
	PendingFor(ctx context.Context, recipient string, limit int) ([]model.Message, error)
}

type Result struct {
	Recipient string
	Outcome   Outcome
	Channels  int // channels that accepted the push
	Attempts  int
	Err       error
}

// Report holds one Result per recipient, in the order recipients were given.
type Report struct {
	MessageID int64
	Results   []Result
}

func (r Report) Of(recipient string) (Outcome, bool) {
	for _, res := range r.Results {
		if res.Recipient == recipient {
			return res.Outcome, true
		}
	}
	return 0, false
}

type Options struct {
	Retry       retry.Config
	PushTimeout time.Duration
	FlushBatch  int
	LockStripes int
	Parallelism int
	Logger      zerolog.Logger
}

type Router struct {
	reg      *registry.Registry
	receipts Receipts
	opts     Options
	log      zerolog.Logger

	// stripes order live routes against flushes of the same identity.
	stripes []sync.Mutex
	// ready holds handle ids whose backlog has been flushed; only those
	// connections receive live pushes.
	ready sync.Map
	// flushes tracks the per-connection flushes started by HandlePresence.
	flushes sync.WaitGroup

	pushes   atomic.Int64
	failures atomic.Int64
}

func NewRouter(reg *registry.Registry, receipts Receipts, opts Options) *Router {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = 100
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = 64
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 16
	}
	return &Router{
		reg:      reg,
		receipts: receipts,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "router").Logger(),
		stripes:  make([]sync.Mutex, opts.LockStripes),
	}
}

func (r *Router) lock(identity string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	mu := &r.stripes[h.Sum32()%uint32(len(r.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Ready reports whether the connection's backlog has been flushed.
func (r *Router) Ready(h registry.Handle) bool {
	_, ok := r.ready.Load(h.ID)
	return ok
}

// Route delivers msg to every recipient. It never returns an error: per
// recipient failures are recorded in the receipt and the Report.
func (r *Router) Route(ctx context.Context, msg model.Message, recipients []string) Report {
	report := Report{MessageID: msg.ID, Results: make([]Result, len(recipients))}

	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for i, recipient := range recipients {
		g.Go(func() error {
			report.Results[i] = r.routeOne(ctx, msg, recipient)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (r *Router) routeOne(ctx context.Context, msg model.Message, recipient string) Result {
	unlock := r.lock(recipient)
	defer unlock()

	res := Result{Recipient: recipient}
	tried := make(map[int64]bool)

	for lookup := 0; lookup < 2; lookup++ {
		var conns []*registry.Connection
		for _, c := range r.reg.ChannelsFor(recipient) {
			if !tried[c.ID] && r.Ready(c.Handle) {
				conns = append(conns, c)
			}
		}
		if len(conns) == 0 {
			break
		}
		for _, c := range conns {
			tried[c.ID] = true
		}

		delivered, attempts, closed := r.pushAll(ctx, msg, conns)
		res.Channels += delivered
		res.Attempts += attempts
		// A closed channel means the registry was stale: look again once.
		if delivered > 0 || closed == 0 {
			break
		}
	}

	switch {
	case res.Channels > 0:
		res.Outcome = DeliveredLive
		res.Err = r.putReceipt(ctx, msg, recipient, model.StatusDelivered, res.Attempts)
	case res.Attempts == 0 || r.allClosed(recipient, tried):
		res.Outcome = QueuedOffline
		res.Err = r.putReceipt(ctx, msg, recipient, model.StatusPending, res.Attempts)
	default:
		res.Outcome = Failed
		r.failures.Add(1)
		res.Err = errors.Join(model.ErrChannelPush, r.putReceipt(ctx, msg, recipient, model.StatusFailed, res.Attempts))
	}

	if res.Err != nil && res.Outcome != Failed {
		r.log.Warn().Err(res.Err).Str("recipient", recipient).Int64("message_id", msg.ID).Msg("failed to record receipt")
	}
	return res
}

// allClosed reports whether every channel tried is gone from the registry,
// i.e. the recipient turned out to be offline.
func (r *Router) allClosed(recipient string, tried map[int64]bool) bool {
	for id := range tried {
		if _, ok := r.reg.Lookup(registry.Handle{ID: id, Identity: recipient}); ok {
			return false
		}
	}
	return true
}

func (r *Router) putReceipt(ctx context.Context, msg model.Message, recipient string, status model.DeliveryStatus, attempts int) error {
	return r.receipts.PutReceipt(context.WithoutCancel(ctx), model.Receipt{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		RecipientID:    recipient,
		Status:         status,
		Attempts:       attempts,
		UpdatedAt:      time.Now().UTC(),
	})
}

// pushAll pushes to every connection concurrently and returns how many
// accepted, the total attempts made and how many turned out closed.
func (r *Router) pushAll(ctx context.Context, msg model.Message, conns []*registry.Connection) (delivered, attempts, closed int) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.push(ctx, c, msg)

			mu.Lock()
			defer mu.Unlock()
			attempts += res.Attempts
			switch {
			case res.Success():
				delivered++
			case errors.Is(res.Err, model.ErrChannelClosed) || c.Context().Err() != nil:
				closed++
			}
		}()
	}
	wg.Wait()
	return delivered, attempts, closed
}

// push runs the bounded retry for one connection. The attempt is cancelled
// when either ctx or the connection's own context is done.
func (r *Router) push(ctx context.Context, c *registry.Connection, msg model.Message) retry.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.Context(), cancel)
	defer stop()

	res := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, r.opts.PushTimeout)
		defer cancel()
		r.pushes.Add(1)
		err := c.Channel.Push(pctx, msg)
		if errors.Is(err, model.ErrChannelClosed) {
			return retry.Permanent(err)
		}
		return err
	})

	if errors.Is(res.Err, model.ErrChannelClosed) {
		r.reg.Unregister(c.Handle)
	}
	if res.Err != nil {
		r.log.Debug().Err(res.Err).
			Str("recipient", c.Identity).
			Int64("handle", c.ID).
			Int64("message_id", msg.ID).
			Int("attempts", res.Attempts).
			Msg("push failed")
	}
	return res
}

// Flush pushes every undelivered message of the handle's identity to that
// connection, in conversation then id order, and marks them delivered. The
// connection receives live pushes only once Flush has run.
func (r *Router) Flush(ctx context.Context, h registry.Handle) (int, error) {
	unlock := r.lock(h.Identity)
	defer unlock()

	conn, ok := r.reg.Lookup(h)
	if !ok {
		return 0, nil
	}
	defer r.markReady(h)

	flushed := 0
	for {
		pending, err := r.receipts.PendingFor(ctx, h.Identity, r.opts.FlushBatch)
		if err != nil {
			return flushed, err
		}
		for _, msg := range pending {
			res := r.push(ctx, conn, msg)
			if !res.Success() {
				if perr := r.putReceipt(ctx, msg, h.Identity, model.StatusFailed, res.Attempts); perr != nil {
					return flushed, perr
				}
				return flushed, errors.Join(model.ErrChannelPush, res.Err)
			}
			if err := r.putReceipt(ctx, msg, h.Identity, model.StatusDelivered, res.Attempts); err != nil {
				return flushed, err
			}
			flushed++
		}
		if len(pending) < r.opts.FlushBatch {
			return flushed, nil
		}
	}
}

// markReady admits the handle to live pushes. The registry removes a
// connection before announcing it offline, so a handle that is already gone
// here has had, or will get, its Offline delete; undo the store either way.
func (r *Router) markReady(h registry.Handle) {
	r.ready.Store(h.ID, struct{}{})
	if _, ok := r.reg.Lookup(h); !ok {
		r.ready.Delete(h.ID)
	}
}

// HandlePresence is the registry listener that drives Flush. Each Online
// flush runs on its own goroutine so that one slow backlog never holds up
// the connections behind it; the identity's stripe lock still orders it
// against live routes.
func (r *Router) HandlePresence(evt registry.PresenceEvent) {
	switch evt.Kind {
	case registry.Online:
		r.flushes.Add(1)
		go func() {
			defer r.flushes.Done()
			r.flushOnline(evt.Handle)
		}()
	case registry.Offline:
		r.ready.Delete(evt.Handle.ID)
	}
}

func (r *Router) flushOnline(h registry.Handle) {
	n, err := r.Flush(context.Background(), h)
	log := r.log.With().Str("identity", h.Identity).Int64("handle", h.ID).Int("flushed", n).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("flush incomplete")
		return
	}
	if n > 0 {
		log.Info().Msg("flushed queued messages")
	}
}

// Wait blocks until every flush started by HandlePresence has returned.
func (r *Router) Wait() {
	r.flushes.Wait()
}

// Notify pushes an ephemeral event to the live channels of recipients. Events
// are best effort: one attempt, nothing recorded.
func (r *Router) Notify(ctx context.Context, recipients []string, evt model.Event) int {
	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, recipient := range recipients {
		for _, c := range r.reg.ChannelsFor(recipient) {
			ec, ok := c.Channel.(registry.EventChannel)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, r.opts.PushTimeout)
				defer cancel()
				err := ec.PushEvent(pctx, evt)
				switch {
				case err == nil:
					sent.Add(1)
				case errors.Is(err, model.ErrChannelClosed):
					r.reg.Unregister(c.Handle)
				}
			}()
		}
	}
	wg.Wait()
	return int(sent.Load())
}

type Stats struct {
	Pushes   int64 `json:"pushes"`
	Failures int64 `json:"failures"`
}

func (r *Router) Stats() Stats {
	return Stats{Pushes: r.pushes.Load(), Failures: r.failures.Load()}
}
