package client

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/session"
)

type delivery struct {
	kind    session.EventKind
	session *session.Session
	// target restricts the delivery to one subscriber; 0 means everyone.
	target uint64
}

// dispatcher delivers auth events to subscribers in emission order on its
// own goroutine. emit never blocks.
type dispatcher struct {
	logger logging.Logger

	mu     sync.Mutex
	queue  []delivery
	subs   map[uint64]session.Handler
	nextID uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger logging.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		subs:   make(map[uint64]session.Handler),
		nextID: 1,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// subscribe registers h and queues an initial-session delivery for it.
func (d *dispatcher) subscribe(h session.Handler, initial *session.Session) session.Subscription {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = h
	d.mu.Unlock()

	d.push(delivery{kind: session.EventInitialSession, session: initial, target: id})

	var once sync.Once
	return session.ReleaseFunc(func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	})
}

func (d *dispatcher) emit(kind session.EventKind, s *session.Session) {
	d.push(delivery{kind: kind, session: s})
}

func (d *dispatcher) push(dl delivery) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, dl)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close drops pending deliveries and waits for the running one to finish.
// It must not be called from a handler.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.queue = nil
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			dl := d.queue[0]
			d.queue = d.queue[1:]
			handlers := d.handlersFor(dl.target)
			d.mu.Unlock()

			for _, h := range handlers {
				d.deliver(h, dl)
			}
		}
	}
}

// handlersFor must be called with mu held.
func (d *dispatcher) handlersFor(target uint64) []session.Handler {
	if target != 0 {
		if h, ok := d.subs[target]; ok {
			return []session.Handler{h}
		}
		return nil
	}
	ids := slices.Sorted(maps.Keys(d.subs))
	out := make([]session.Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.subs[id])
	}
	return out
}

func (d *dispatcher) deliver(h session.Handler, dl delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(context.Background(), "auth event handler panicked", "event", string(dl.kind), "panic", r)
		}
	}()
	h(dl.kind, cloneSession(dl.session))
}
