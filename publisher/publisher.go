// Package publisher owns locally published values, serves subscriber
// connections and advertises the namespace it serves to the resolver
// cluster.
package publisher

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/clients/resolverclient"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/secstore"
	"github.com/pathmesh/pathmesh/shared/logging"
	"github.com/pathmesh/pathmesh/shared/workgroup"
	"github.com/pathmesh/pathmesh/wire"
)

var _publisherLogger = logging.NewLogger("Publisher")

var (
	ErrAlreadyPublished = errors.New("path already published")
	ErrNotWritable      = errors.New("path is not write enabled")
	ErrClosed           = errors.New("publisher closed")
)

type Config struct {
	// Listen is the data protocol listen address for subscribers. A
	// "ws://" address serves the WebSocket adapter instead of plain TCP;
	// such publishers must also set AdvertisedAddr to a ws:// address,
	// the bound socket address alone does not tell subscribers to
	// upgrade.
	Listen string
	// AdvertisedAddr overrides the address sent to resolvers, for NAT
	// and proxy setups. Defaults to the bound listen address.
	AdvertisedAddr string
	Resolvers      []string
	Mechanism      secstore.Mechanism
	HeartbeatEvery time.Duration
	Compress       bool
}

// WriteFunc handles a subscriber write. The returned value is sent back
// as the acknowledgement when the writer asked for one; return Ok() for
// plain success.
type WriteFunc func(cl Client, v wire.Value) wire.Value

// Client is an opaque handle on one subscriber connection, usable as a
// target for Batch.UpdateSubscriber.
type Client struct {
	s *session
}

// Identity is the authenticated identity of the connection.
func (c Client) Identity() secstore.Identity {
	return c.s.identity
}

// Publisher's identity is its PublisherId, generated once at startup
// and threaded through everything; the socket address is just a way to
// reach it.
type Publisher struct {
	id  api.PublisherId
	cfg Config

	rc       *resolverclient.Client
	listener net.Listener

	lock    sync.Mutex
	byPath  map[string]*Val // includes aliases
	conns   map[*session]struct{}
	closed  bool
	advertQ *advertiseQueue
	stop    chan struct{}
}

// Val is one published value, possibly exposed under several alias
// paths. Updates go through a Batch; there is no auto flush, an update
// that was never committed is a bug at the call site, not something to
// paper over.
type Val struct {
	pub     *Publisher
	path    string
	aliases []string

	current  wire.Value
	writable bool
	onWrite  WriteFunc
	onSub    SubscribeFunc

	// subscriber registrations: per session, subscribed path to the id
	// that session assigned. One session holds a distinct id per path,
	// so a subscriber of both the original and an alias has two
	// registrations.
	subs map[*session]map[string]uint64
}

// activeSubs counts registrations across sessions. Caller holds the
// publisher lock.
func (v *Val) activeSubs() int {
	n := 0
	for _, ids := range v.subs {
		n += len(ids)
	}
	return n
}

func New(cfg Config) (*Publisher, error) {
	if cfg.Mechanism == nil {
		cfg.Mechanism = secstore.NewLocal()
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = api.DefaultHeartbeatInterval
	}
	rc, err := resolverclient.New(resolverclient.Config{
		Addrs:     cfg.Resolvers,
		Mechanism: cfg.Mechanism,
		Compress:  cfg.Compress,
	})
	if err != nil {
		return nil, err
	}
	ln, err := channel.Listen(cfg.Listen)
	if err != nil {
		rc.Close()
		return nil, err
	}
	p := &Publisher{
		id:       api.NewPublisherId(),
		cfg:      cfg,
		rc:       rc,
		listener: ln,
		byPath:   make(map[string]*Val),
		conns:    make(map[*session]struct{}),
		advertQ:  newAdvertiseQueue(),
		stop:     make(chan struct{}),
	}
	go p.acceptLoop()
	p.runAdvertiseLoop()
	return p, nil
}

func (p *Publisher) Id() api.PublisherId {
	return p.id
}

// Addr is the address subscribers are told to dial.
func (p *Publisher) Addr() string {
	if p.cfg.AdvertisedAddr != "" {
		return p.cfg.AdvertisedAddr
	}
	return p.listener.Addr().String()
}

// Publish registers path with an initial value and advertises it. The
// advertisement reaches the resolver asynchronously: if no resolver is
// reachable the publisher logs and retries forever, it never fails the
// caller over a network condition that will heal.
func (p *Publisher) Publish(path string, initial wire.Value) (*Val, error) {
	return p.publish(path, initial, 0)
}

// PublishDefault places a sparse advertisement: subscribers see it like
// any published path, the resolver stores it more cheaply.
func (p *Publisher) PublishDefault(path string) (*Val, error) {
	return p.publish(path, wire.Null(), api.FlagDefault)
}

func (p *Publisher) publish(path string, initial wire.Value, flags api.EntryFlags) (*Val, error) {
	path = paths.Canonicalize(path)
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.byPath[path]; ok {
		return nil, ErrAlreadyPublished
	}
	v := &Val{
		pub:     p,
		path:    path,
		current: initial,
		subs:    make(map[*session]map[string]uint64),
	}
	p.byPath[path] = v
	p.advertQ.add(path, flags)
	return v, nil
}

// Alias exposes v under another path without duplicating storage or
// traffic. Subscribing to the alias is observably identical to
// subscribing to the original.
func (p *Publisher) Alias(v *Val, alias string) error {
	alias = paths.Canonicalize(alias)
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.byPath[alias]; ok {
		return ErrAlreadyPublished
	}
	p.byPath[alias] = v
	v.aliases = append(v.aliases, alias)
	p.advertQ.add(alias, 0)
	return nil
}

// Unpublish withdraws v and all its aliases.
func (p *Publisher) Unpublish(v *Val) {
	p.lock.Lock()
	delete(p.byPath, v.path)
	p.advertQ.remove(v.path)
	for _, alias := range v.aliases {
		delete(p.byPath, alias)
		p.advertQ.remove(alias)
	}
	sessions := make([]*session, 0, len(v.subs))
	for s := range v.subs {
		sessions = append(sessions, s)
	}
	p.lock.Unlock()
	for _, s := range sessions {
		s.dropVal(v)
	}
}

func (p *Publisher) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	conns := make([]*session, 0, len(p.conns))
	for s := range p.conns {
		conns = append(conns, s)
	}
	p.lock.Unlock()

	close(p.stop)
	_ = p.listener.Close()
	for _, s := range conns {
		s.close()
	}
	if err := p.rc.Clear(p.id); err != nil {
		_publisherLogger.Warnln("could not clear resolver entries on close:", err)
	}
	p.rc.Close()
}

func (v *Val) Path() string {
	return v.path
}

// Current returns the last committed value.
func (v *Val) Current() wire.Value {
	v.pub.lock.Lock()
	defer v.pub.lock.Unlock()
	return v.current
}

// EnableWrites lets subscribers write to this value. fn runs outside
// the connection read loop, it may block without stalling the session.
func (v *Val) EnableWrites(fn WriteFunc) {
	v.pub.lock.Lock()
	defer v.pub.lock.Unlock()
	v.writable = true
	v.onWrite = fn
}

// SubscribeFunc observes subscription churn on a value: cl is the
// connection that attached or detached, active is the subscription
// count after the change.
type SubscribeFunc func(cl Client, path string, active int)

// OnSubscribe is notified whenever a subscriber attaches or detaches.
func (v *Val) OnSubscribe(fn SubscribeFunc) {
	v.pub.lock.Lock()
	defer v.pub.lock.Unlock()
	v.onSub = fn
}

func (p *Publisher) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			_publisherLogger.Warnln("accept failed:", err)
			continue
		}
		go p.serveConn(conn)
	}
}

// runAdvertiseLoop syncs the advertisement queue to the resolver
// cluster and keeps the lease alive. Failures are logged and retried
// forever; no retry policy is strictly better for every deployment, so
// the publisher never gives up on its own.
func (p *Publisher) runAdvertiseLoop() {
	workgroup.WithFailOver().Run("publisher-advertise", func() bool {
		ticker := time.NewTicker(p.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return true
			case <-p.advertQ.dirty:
				p.syncAdvertisements()
			case <-ticker.C:
				p.syncAdvertisements()
				if err := p.rc.Heartbeat(p.id); err != nil {
					_publisherLogger.Warnln("resolver heartbeat failed, will retry:", err)
				}
			}
		}
	})
}

func (p *Publisher) syncAdvertisements() {
	adds, removes := p.advertQ.pending()
	if len(adds) > 0 {
		byFlags := make(map[api.EntryFlags][]string)
		for path, flags := range adds {
			byFlags[flags] = append(byFlags[flags], path)
		}
		for flags, pathList := range byFlags {
			ref := api.PublisherRef{Id: p.id, Addr: p.Addr(), Flags: flags}
			if err := p.rc.Publish(ref, pathList); err != nil {
				_publisherLogger.Warnln("advertise failed, will retry:", err)
				p.advertQ.requeueAdds(adds)
				return
			}
		}
	}
	if len(removes) > 0 {
		if err := p.rc.Unpublish(p.id, removes); err != nil {
			_publisherLogger.Warnln("unadvertise failed, will retry:", err)
			p.advertQ.requeueRemoves(removes)
		}
	}
}

func (p *Publisher) lookupVal(path string) *Val {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.byPath[paths.Canonicalize(path)]
}

// advertiseQueue accumulates namespace changes bound for the resolver.
type advertiseQueue struct {
	lock    sync.Mutex
	adds    map[string]api.EntryFlags
	removes map[string]struct{}
	dirty   chan struct{}
}

func newAdvertiseQueue() *advertiseQueue {
	return &advertiseQueue{
		adds:    make(map[string]api.EntryFlags),
		removes: make(map[string]struct{}),
		dirty:   make(chan struct{}, 1),
	}
}

func (q *advertiseQueue) signal() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

func (q *advertiseQueue) add(path string, flags api.EntryFlags) {
	q.lock.Lock()
	q.adds[path] = flags
	delete(q.removes, path)
	q.lock.Unlock()
	q.signal()
}

func (q *advertiseQueue) remove(path string) {
	q.lock.Lock()
	delete(q.adds, path)
	q.removes[path] = struct{}{}
	q.lock.Unlock()
	q.signal()
}

func (q *advertiseQueue) pending() (map[string]api.EntryFlags, []string) {
	q.lock.Lock()
	defer q.lock.Unlock()
	adds := q.adds
	q.adds = make(map[string]api.EntryFlags)
	removes := make([]string, 0, len(q.removes))
	for p := range q.removes {
		removes = append(removes, p)
	}
	q.removes = make(map[string]struct{})
	return adds, removes
}

func (q *advertiseQueue) requeueAdds(adds map[string]api.EntryFlags) {
	q.lock.Lock()
	for p, f := range adds {
		if _, ok := q.removes[p]; !ok {
			q.adds[p] = f
		}
	}
	q.lock.Unlock()
	q.signal()
}

func (q *advertiseQueue) requeueRemoves(removes []string) {
	q.lock.Lock()
	for _, p := range removes {
		if _, ok := q.adds[p]; !ok {
			q.removes[p] = struct{}{}
		}
	}
	q.lock.Unlock()
	q.signal()
}
