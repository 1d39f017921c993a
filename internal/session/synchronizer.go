package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/logging"
)

// ErrClosed is returned by WaitReady once the synchronizer has been closed
// before settling.
var ErrClosed = errors.New("session synchronizer closed")

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMapper replaces the identity mapper, e.g. to pin the clock in tests.
func WithMapper(m *identity.Mapper) Option {
	return func(s *Synchronizer) { s.mapper = m }
}

// update is one write request for the apply loop. setUser says whether
// user replaces the slot; settle marks the initial fetch as resolved.
type update struct {
	user    *identity.User
	setUser bool
	settle  bool
}

// Synchronizer is the single owner of the canonical identity State.
type Synchronizer struct {
	backend Backend
	mapper  *identity.Mapper
	logger  logging.Logger

	state atomic.Pointer[State]
	ready chan struct{}

	updates chan update
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	subMu  sync.Mutex
	sub    Subscription
	closed bool

	obsMu     sync.Mutex
	observers map[uint64]func(State)
	nextObs   uint64
}

// New constructs a Synchronizer bound to backend. It does nothing until
// Start is called.
func New(backend Backend, logger logging.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = logging.Nop{}
	}
	s := &Synchronizer{
		backend:   backend,
		mapper:    &identity.Mapper{},
		logger:    logger.With("module", "session"),
		ready:     make(chan struct{}),
		updates:   make(chan update),
		done:      make(chan struct{}),
		observers: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&State{})
	return s
}

// Start runs the startup sequence: it registers the auth event
// subscription and launches the initial session fetch. Both proceed
// concurrently; their relative order is not defined. Start returns
// immediately and only has an effect the first time it is called.
//
// When ctx ends the synchronizer is closed as if Close had been called.
func (s *Synchronizer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop()

		s.subscribe(ctx)

		go s.fetchInitial(ctx)

		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	})
}

// Close releases the backend subscription and stops applying updates.
// Backend responses that arrive afterwards are discarded. Calling Close
// more than once is safe.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		s.closed = true
		sub := s.sub
		s.sub = nil
		s.subMu.Unlock()

		close(s.done)

		if sub != nil {
			s.release(sub)
		}
	})
}

// Current returns the latest committed State.
func (s *Synchronizer) Current() State {
	return *s.state.Load()
}

// IsAuthenticated reports whether someone is signed in right now.
func (s *Synchronizer) IsAuthenticated() bool {
	return s.Current().IsAuthenticated
}

// User returns the signed-in user or nil.
func (s *Synchronizer) User() *identity.User {
	return s.Current().User
}

// HasRole reports whether the signed-in user holds role. It is false when
// nobody is signed in.
func (s *Synchronizer) HasRole(role identity.Role) bool {
	return s.Current().HasRole(role)
}

// LandingRoute returns RouteAdmin, RouteDashboard or RouteLogin for the
// current State.
func (s *Synchronizer) LandingRoute() string {
	return s.Current().LandingRoute()
}

// Settled reports whether the initial session fetch has resolved.
func (s *Synchronizer) Settled() bool {
	return s.Current().Settled
}

// Ready is closed once the initial session fetch has resolved.
func (s *Synchronizer) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the State is settled, ctx ends, or the
// synchronizer is closed.
func (s *Synchronizer) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn to be called with every committed State, in
// commit order, on the synchronizer's apply goroutine. fn must not block
// for long. The returned function unregisters fn; calling it again is a
// no-op.
func (s *Synchronizer) Subscribe(fn func(State)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Synchronizer) subscribe(ctx context.Context) {
	var sub Subscription
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error(ctx, "auth event subscription failed", "panic", r)
			}
		}()
		sub = s.backend.OnAuthStateChange(s.handleEvent)
	}()
	if sub == nil {
		return
	}

	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		s.release(sub)
		return
	}
	s.sub = sub
	s.subMu.Unlock()
}

func (s *Synchronizer) release(sub Subscription) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "releasing auth subscription failed", "panic", r)
		}
	}()
	sub.Release()
}

// fetchInitial asks the backend for the current session and always
// settles the State, whatever the outcome.
func (s *Synchronizer) fetchInitial(ctx context.Context) {
	var user *identity.User
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "exception in session fetch", "panic", r)
			user = nil
		}
		s.post(update{user: user, setUser: user != nil, settle: true})
	}()

	sess, err := s.backend.GetCurrentSession(ctx)
	if err != nil {
		s.logger.Error(ctx, "error getting session", "error", err)
	}
	user = s.mapSession(sess)
}

// handleEvent is the Handler registered with the backend.
func (s *Synchronizer) handleEvent(kind EventKind, sess *Session) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "exception in auth event handler", "event", string(kind), "panic", r)
		}
	}()

	switch kind {
	case EventSignedIn, EventUserUpdated:
		s.post(update{user: s.mapSession(sess), setUser: true})
	case EventSignedOut:
		s.post(update{setUser: true})
	default:
		s.logger.Debug(ctx, "ignoring auth event", "event", string(kind))
	}
}

func (s *Synchronizer) mapSession(sess *Session) *identity.User {
	if sess == nil || sess.User == nil {
		return nil
	}
	u := s.mapper.Map(*sess.User)
	return &u
}

// post hands u to the apply loop. After Close it is dropped.
func (s *Synchronizer) post(u update) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

func (s *Synchronizer) loop() {
	for {
		select {
		case u := <-s.updates:
			// No update is applied once done is closed.
			select {
			case <-s.done:
				return
			default:
			}
			s.apply(u)
		case <-s.done:
			return
		}
	}
}

func (s *Synchronizer) apply(u update) {
	cur := s.state.Load()
	next := *cur
	if u.setUser {
		next.User = u.user
		next.IsAuthenticated = u.user != nil
	}
	if u.settle {
		next.Settled = true
	}
	s.state.Store(&next)

	if u.settle && !cur.Settled {
		close(s.ready)
	}
	s.notify(next)
}

func (s *Synchronizer) notify(st State) {
	s.obsMu.Lock()
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		s.callObserver(fn, st)
	}
}

func (s *Synchronizer) callObserver(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "state observer panicked", "panic", r)
		}
	}()
	fn(st)
}
