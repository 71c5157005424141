package session

import (
	"sync"

	"github.com/mahaj/dupahar-chat/pkg/events"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// laneItem is one unit of post-commit work: an optional fan-out followed by
// the event announcing it.
type laneItem struct {
	msg        *model.Message
	recipients []string
	env        events.Envelope
}

// lane is an unbounded FIFO drained by a single goroutine. The actor pushes
// without ever blocking; the drainer handles items strictly in push order.
type lane struct {
	mu     sync.Mutex
	items  []laneItem
	busy   bool
	closed bool
	wake   chan struct{}
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

func (l *lane) push(item laneItem) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// idle reports whether nothing is queued or in flight.
func (l *lane) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items) == 0 && !l.busy
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// close lets run return once the queue is empty.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) run(handle func(laneItem)) {
	for {
		l.mu.Lock()
		if len(l.items) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		item := l.items[0]
		l.items[0] = laneItem{}
		l.items = l.items[1:]
		l.busy = true
		l.mu.Unlock()

		handle(item)

		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
	}
}

// recent keeps the tail of a conversation for reads while the store is down.
type recent struct {
	size int
	msgs []model.Message
}

// add appends msg. Messages committed elsewhere leave a gap, in which case the
// cache restarts at msg so that it stays contiguous.
func (r *recent) add(msg model.Message) {
	if r.size <= 0 {
		return
	}
	if n := len(r.msgs); n > 0 && r.msgs[n-1].ID+1 != msg.ID {
		r.msgs = nil
	}
	r.msgs = append(r.msgs, msg)
	if over := len(r.msgs) - r.size; over > 0 {
		r.msgs = append(r.msgs[:0:0], r.msgs[over:]...)
	}
}

// reset replaces the cache with msgs, which must be in id order.
func (r *recent) reset(msgs []model.Message) {
	r.msgs = nil
	for _, m := range msgs {
		r.add(m)
	}
}

// read serves [fromID, fromID+limit) when the cache holds the start of the
// range or the range lies past lastID.
func (r *recent) read(fromID int64, limit int, lastID int64) ([]model.Message, bool) {
	if fromID < 1 {
		fromID = 1
	}
	if fromID > lastID {
		return nil, true
	}
	if len(r.msgs) == 0 || fromID < r.msgs[0].ID {
		return nil, false
	}
	start := int(fromID - r.msgs[0].ID)
	if start >= len(r.msgs) {
		return nil, false
	}
	end := len(r.msgs)
	if limit > 0 {
		end = min(start+limit, end)
	}
	return append([]model.Message(nil), r.msgs[start:end]...), true
}
