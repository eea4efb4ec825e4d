// Package subscriber consumes published values: it resolves paths,
// maintains connections to the publishers serving them and demultiplexes
// updates to application listeners. Subscriptions to the same path are
// deduplicated onto one wire subscription.
package subscriber

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/clients/resolverclient"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/secstore"
	"github.com/pathmesh/pathmesh/shared/logging"
	"github.com/pathmesh/pathmesh/shared/workgroup"
	"github.com/pathmesh/pathmesh/wire"
)

var _subscriberLogger = logging.NewLogger("Subscriber")

var (
	ErrNoSuchValue    = errors.New("no publisher serves this path")
	ErrNotSubscribed  = errors.New("subscription is not established")
	ErrWriteQueueFull = errors.New("durable write queue is full")
	ErrClosed         = errors.New("subscriber closed")
)

type Config struct {
	Resolvers  []string
	Mechanism  secstore.Mechanism
	ServerName string
	Compress   bool
	// WriteQueueBound caps writes queued on a disconnected durable
	// subscription, zero means the default. Queued writes replay in
	// order after resubscription.
	WriteQueueBound int
	// ResubscribeWave caps how many paths one recovery pass handles,
	// zero means the default. Bounding the wave keeps resolver batches
	// and publisher handshakes tractable after a mass disconnect.
	ResubscribeWave int
}

type subState int

const (
	statePending subState = iota
	stateSubscribed
	stateRetrying
	stateDead
)

// sub is the shared per path state behind any number of Subscription
// handles.
type sub struct {
	path    string
	durable bool

	state subState
	err   error
	conn  *pubConn
	id    uint64

	cacheLast bool
	hasLast   bool
	last      wire.Value

	refs      int
	nextLid   int
	listeners map[int]func(wire.Value)
	waiters   []chan error

	queuedWrites []wire.Value
}

type Subscriber struct {
	cfg Config
	rc  *resolverclient.Client

	lock   sync.Mutex
	byPath map[string]*sub
	conns  map[string]*pubConn
	retry  map[*sub]struct{}
	closed bool

	retryKick chan struct{}
	stop      chan struct{}
}

func New(cfg Config) (*Subscriber, error) {
	if cfg.Mechanism == nil {
		cfg.Mechanism = secstore.NewLocal()
	}
	if cfg.WriteQueueBound <= 0 {
		cfg.WriteQueueBound = api.DefaultWriteQueueBound
	}
	if cfg.ResubscribeWave <= 0 {
		cfg.ResubscribeWave = api.DefaultResubscribeWave
	}
	rc, err := resolverclient.New(resolverclient.Config{
		Addrs:      cfg.Resolvers,
		Mechanism:  cfg.Mechanism,
		ServerName: cfg.ServerName,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		cfg:       cfg,
		rc:        rc,
		byPath:    make(map[string]*sub),
		conns:     make(map[string]*pubConn),
		retry:     make(map[*sub]struct{}),
		retryKick: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	s.runRetryLoop()
	return s, nil
}

func (s *Subscriber) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	conns := make([]*pubConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()
	close(s.stop)
	for _, c := range conns {
		c.close()
	}
	s.rc.Close()
}

// Resolver exposes the underlying resolver client for namespace queries
// (List, Table, ListMatching, CheckChanged).
func (s *Subscriber) Resolver() *resolverclient.Client {
	return s.rc
}

type SubscribeOption func(*sub)

// WithoutCaching turns off last value retention for this subscription;
// updates still reach listeners but Last never reports a value.
func WithoutCaching() SubscribeOption {
	return func(u *sub) { u.cacheLast = false }
}

// Subscribe starts a subscription and returns immediately; use Wait on
// the returned handle for completion. If the path cannot be subscribed
// the handle reports the error and stays dead.
func (s *Subscriber) Subscribe(path string, opts ...SubscribeOption) *Subscription {
	return s.subscribe(path, false, opts...)
}

// SubscribeDurable is Subscribe plus recovery: the subscription
// survives publisher restarts and resolver outages, retrying with
// backoff forever, and replays writes queued while disconnected.
func (s *Subscriber) SubscribeDurable(path string, opts ...SubscribeOption) *Subscription {
	return s.subscribe(path, true, opts...)
}

func (s *Subscriber) subscribe(path string, durable bool, opts ...SubscribeOption) *Subscription {
	path = paths.Canonicalize(path)
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		dead := &sub{path: path, state: stateDead, err: ErrClosed}
		return &Subscription{s: s, u: dead}
	}
	u, ok := s.byPath[path]
	if ok {
		// an existing subscription is shared, durability is sticky once
		// any handle asks for it
		u.refs++
		if durable && !u.durable {
			u.durable = true
		}
		s.lock.Unlock()
		return &Subscription{s: s, u: u}
	}
	u = &sub{
		path:      path,
		durable:   durable,
		state:     statePending,
		cacheLast: true,
		refs:      1,
		listeners: make(map[int]func(wire.Value)),
	}
	for _, opt := range opts {
		opt(u)
	}
	s.byPath[path] = u
	s.lock.Unlock()

	go s.establish(u)
	return &Subscription{s: s, u: u}
}

// establish resolves and connects one pending subscription.
func (s *Subscriber) establish(u *sub) {
	if err := s.connectSub(u); err != nil {
		s.subFailed(u, err)
	}
}

// connectSub resolves u's path and sends the subscribe request on a
// connection to one of its publishers. Completion arrives later on the
// connection's read loop.
func (s *Subscriber) connectSub(u *sub) error {
	refs, err := s.rc.Resolve([]string{u.path})
	if err != nil {
		return err
	}
	if len(refs[0]) == 0 {
		return ErrNoSuchValue
	}
	// spread subscribers across publishers serving the same path
	choice := refs[0][rand.Intn(len(refs[0]))]
	conn, err := s.connTo(choice.Addr)
	if err != nil {
		return err
	}
	return conn.sendSubscribe(u)
}

func (s *Subscriber) connTo(addr string) (*pubConn, error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil, ErrClosed
	}
	if c, ok := s.conns[addr]; ok {
		s.lock.Unlock()
		return c, nil
	}
	s.lock.Unlock()

	c, err := dialPublisher(s, addr)
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	if existing, ok := s.conns[addr]; ok {
		s.lock.Unlock()
		c.close()
		return existing, nil
	}
	s.conns[addr] = c
	s.lock.Unlock()
	c.start()
	return c, nil
}

// subFailed routes a failed subscription: durable ones go to the retry
// set, others die with the error.
func (s *Subscriber) subFailed(u *sub, err error) {
	s.lock.Lock()
	if u.state == stateDead {
		s.lock.Unlock()
		return
	}
	u.conn, u.id = nil, 0
	var waiters []chan error
	if u.durable {
		u.state = stateRetrying
		s.retry[u] = struct{}{}
	} else {
		u.state = stateDead
		u.err = err
		waiters = u.waiters
		u.waiters = nil
		delete(s.byPath, u.path)
	}
	s.lock.Unlock()
	for _, w := range waiters {
		w <- err
	}
	if u.durable {
		s.kickRetry()
	}
}

func (s *Subscriber) kickRetry() {
	select {
	case s.retryKick <- struct{}{}:
	default:
	}
}

// runRetryLoop recovers durable subscriptions. It processes the retry
// set in bounded waves with exponential backoff between failed passes,
// resetting the backoff after a pass that makes progress.
func (s *Subscriber) runRetryLoop() {
	workgroup.WithFailOver().Run("subscriber-retry", func() bool {
		backoff := api.DefaultReconnectBackoff
		for {
			select {
			case <-s.stop:
				return true
			case <-s.retryKick:
			case <-time.After(backoff):
			}
			wave := s.takeRetryWave()
			if len(wave) == 0 {
				backoff = api.MaxReconnectBackoff
				continue
			}
			progressed := false
			for _, u := range wave {
				if err := s.connectSub(u); err != nil {
					s.lock.Lock()
					if u.state == stateRetrying {
						s.retry[u] = struct{}{}
					}
					s.lock.Unlock()
				} else {
					progressed = true
				}
			}
			if progressed {
				backoff = api.DefaultReconnectBackoff
			} else if backoff < api.MaxReconnectBackoff {
				backoff *= 2
				if backoff > api.MaxReconnectBackoff {
					backoff = api.MaxReconnectBackoff
				}
			}
		}
	})
}

func (s *Subscriber) takeRetryWave() []*sub {
	s.lock.Lock()
	defer s.lock.Unlock()
	wave := make([]*sub, 0, len(s.retry))
	for u := range s.retry {
		if len(wave) >= s.cfg.ResubscribeWave {
			break
		}
		delete(s.retry, u)
		wave = append(wave, u)
	}
	return wave
}

// Subscription is one application handle on a possibly shared
// subscription.
type Subscription struct {
	s    *Subscriber
	u    *sub
	once sync.Once
}

func (h *Subscription) Path() string {
	return h.u.path
}

// Wait blocks until the subscription is established or failed, or ctx
// expires. For durable subscriptions it returns once the first
// establishment succeeds.
func (h *Subscription) Wait(ctx context.Context) error {
	h.s.lock.Lock()
	switch h.u.state {
	case stateSubscribed:
		h.s.lock.Unlock()
		return nil
	case stateDead:
		err := h.u.err
		h.s.lock.Unlock()
		return err
	}
	done := make(chan error, 1)
	h.u.waiters = append(h.u.waiters, done)
	h.s.lock.Unlock()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recently received value. ok is false before the
// first update or when caching was disabled.
func (h *Subscription) Last() (wire.Value, bool) {
	h.s.lock.Lock()
	defer h.s.lock.Unlock()
	return h.u.last, h.u.hasLast
}

// OnUpdate registers a listener for value updates; the returned
// function removes it. Listeners run on the connection read goroutine,
// long work belongs on the application's side of a channel.
func (h *Subscription) OnUpdate(fn func(wire.Value)) (remove func()) {
	h.s.lock.Lock()
	lid := h.register(fn)
	h.s.lock.Unlock()
	return func() {
		h.s.lock.Lock()
		delete(h.u.listeners, lid)
		h.s.lock.Unlock()
	}
}

// OnUpdateWithCurrent is OnUpdate plus an immediate call with the cached
// value, so a listener attached after establishment does not have to
// poll Last to learn the current state. The initial call runs on the
// caller's goroutine before registration returns; it may race an
// in-flight update, in which case the listener sees both.
func (h *Subscription) OnUpdateWithCurrent(fn func(wire.Value)) (remove func()) {
	h.s.lock.Lock()
	lid := h.register(fn)
	last, has := h.u.last, h.u.hasLast
	h.s.lock.Unlock()
	if has {
		fn(last)
	}
	return func() {
		h.s.lock.Lock()
		delete(h.u.listeners, lid)
		h.s.lock.Unlock()
	}
}

// register adds a listener; caller holds the subscriber lock.
func (h *Subscription) register(fn func(wire.Value)) int {
	if h.u.listeners == nil {
		// dead handles never receive updates but must not panic either
		h.u.listeners = make(map[int]func(wire.Value))
	}
	lid := h.u.nextLid
	h.u.nextLid++
	h.u.listeners[lid] = fn
	return lid
}

// Write sends a value to the publisher without waiting for a result. On
// a disconnected durable subscription the write queues for replay; the
// queue is bounded and a full queue is an error.
func (h *Subscription) Write(v wire.Value) error {
	s := h.s
	s.lock.Lock()
	u := h.u
	switch u.state {
	case stateSubscribed:
		conn, id := u.conn, u.id
		s.lock.Unlock()
		return conn.sendWrite(id, 0, v)
	case statePending, stateRetrying:
		if !u.durable && u.state != statePending {
			s.lock.Unlock()
			return ErrNotSubscribed
		}
		if len(u.queuedWrites) >= s.cfg.WriteQueueBound {
			s.lock.Unlock()
			return ErrWriteQueueFull
		}
		u.queuedWrites = append(u.queuedWrites, v)
		s.lock.Unlock()
		return nil
	default:
		s.lock.Unlock()
		return ErrNotSubscribed
	}
}

// WriteWithResult sends a value and waits for the publisher's
// acknowledgement value. It requires a live subscription, results
// cannot be meaningfully queued across reconnects.
func (h *Subscription) WriteWithResult(ctx context.Context, v wire.Value) (wire.Value, error) {
	s := h.s
	s.lock.Lock()
	if h.u.state != stateSubscribed {
		s.lock.Unlock()
		return wire.Value{}, ErrNotSubscribed
	}
	conn, id := h.u.conn, h.u.id
	s.lock.Unlock()
	return conn.sendWriteWithResult(ctx, id, v)
}

// Unsubscribe releases this handle. The wire subscription ends when the
// last handle on the path releases.
func (h *Subscription) Unsubscribe() {
	h.once.Do(func() {
		s := h.s
		s.lock.Lock()
		u := h.u
		u.refs--
		if u.refs > 0 || u.state == stateDead {
			s.lock.Unlock()
			return
		}
		delete(s.byPath, u.path)
		delete(s.retry, u)
		conn, id := u.conn, u.id
		u.state = stateDead
		u.err = ErrNotSubscribed
		u.conn, u.id = nil, 0
		s.lock.Unlock()
		if conn != nil {
			conn.sendUnsubscribe(id)
		}
	})
}
