package publisher

import (
	"net"
	"sync"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/secstore"
	"github.com/pathmesh/pathmesh/wire"
)

const (
	// sessionQueueDepth bounds per connection outbound batches. A full
	// queue applies pushback and eventually evicts the consumer instead
	// of buffering without limit.
	sessionQueueDepth = 64
	// sessionEnqueueWait is how long a commit waits on a full queue
	// before the session is declared too slow and closed.
	sessionEnqueueWait = 5 * time.Second
)

// session is one subscriber connection. Reads and writes are decoupled:
// the read loop dispatches protocol messages, the send loop drains a
// bounded queue, so a subscriber that stops reading can never stall the
// publisher's commit path or the read side of its own connection.
type session struct {
	pub      *Publisher
	ch       *channel.Channel
	identity secstore.Identity

	sendQ  chan []api.DataMsg
	writeQ chan writeReq
	done   chan struct{}
	once   sync.Once

	// guarded by pub.lock
	nextSub uint64
	byId    map[uint64]reg
}

// reg is one path registration on a value. A session subscribing to a
// value's original path and one of its aliases holds two registrations
// with distinct ids, so each path receives its own delivery stream.
type reg struct {
	val  *Val
	path string
}

// writeReq is one subscriber write awaiting its handler.
type writeReq struct {
	fn    WriteFunc
	val   wire.Value
	subId uint64
	reqId uint64
}

func (p *Publisher) serveConn(raw net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			_publisherLogger.Errorln("subscriber session panic:", r)
		}
		_ = raw.Close()
	}()

	conn, err := p.cfg.Mechanism.WrapServer(raw)
	if err != nil {
		_publisherLogger.Warnln("connection security wrap failed:", err)
		return
	}
	var ch *channel.Channel
	if p.cfg.Compress {
		ch = channel.NewCompressed(conn)
	} else {
		ch = channel.New(conn)
	}
	if err := ch.Handshake(10 * time.Second); err != nil {
		_publisherLogger.Warnln("handshake failed:", raw.RemoteAddr(), err)
		return
	}
	secCtx, err := p.cfg.Mechanism.NegotiateServer(ch)
	if err != nil {
		_publisherLogger.Warnln("subscriber auth failed:", raw.RemoteAddr(), err)
		return
	}
	defer func() { _ = secCtx.Close() }()

	s := &session{
		pub:      p,
		ch:       ch,
		identity: secCtx.Identity,
		sendQ:    make(chan []api.DataMsg, sessionQueueDepth),
		writeQ:   make(chan writeReq, sessionQueueDepth),
		done:     make(chan struct{}),
		nextSub:  1,
		byId:     make(map[uint64]reg),
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.conns[s] = struct{}{}
	p.lock.Unlock()

	go s.sendLoop()
	go s.writeLoop()
	s.readLoop()
	s.close()
	s.detach()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ch.Close()
	})
}

// detach unregisters the session from every value it was subscribed to
// and from the publisher, firing unsubscribe notifications.
func (s *session) detach() {
	p := s.pub
	p.lock.Lock()
	delete(p.conns, s)
	type note struct {
		fn     SubscribeFunc
		path   string
		active int
	}
	var notes []note
	for _, en := range s.byId {
		ids, ok := en.val.subs[s]
		if !ok {
			continue
		}
		if _, ok := ids[en.path]; !ok {
			continue
		}
		delete(ids, en.path)
		if len(ids) == 0 {
			delete(en.val.subs, s)
		}
		if en.val.onSub != nil {
			notes = append(notes, note{en.val.onSub, en.path, en.val.activeSubs()})
		}
	}
	s.byId = make(map[uint64]reg)
	p.lock.Unlock()
	for _, n := range notes {
		n.fn(Client{s: s}, n.path, n.active)
	}
}

func (s *session) readLoop() {
	for {
		batch, err := s.ch.ReadBatch()
		if err != nil {
			return
		}
		if batch.IsHeartbeat() {
			continue
		}
		for {
			var msg api.DataMsg
			ok, err := batch.Next(&msg)
			if err != nil {
				_publisherLogger.Warnln("malformed subscriber message, resetting connection:", err)
				return
			}
			if !ok {
				break
			}
			s.dispatch(&msg)
		}
	}
}

func (s *session) dispatch(msg *api.DataMsg) {
	switch msg.Kind {
	case api.DataSubscribe:
		s.handleSubscribe(msg.Path)
	case api.DataUnsubscribe:
		s.handleUnsubscribe(msg.SubId)
	case api.DataWrite:
		s.handleWrite(msg.SubId, msg.ReqId, msg.Value)
	default:
		// unknown kinds are skipped for forward compatibility
	}
}

func (s *session) handleSubscribe(path string) {
	p := s.pub
	canon := paths.Canonicalize(path)
	p.lock.Lock()
	v := p.byPath[canon]
	if v == nil {
		p.lock.Unlock()
		s.enqueue([]api.DataMsg{{Kind: api.DataNoSuchValue, Path: path}})
		return
	}
	ids := v.subs[s]
	id, ok := ids[canon]
	if !ok {
		if ids == nil {
			ids = make(map[string]uint64)
			v.subs[s] = ids
		}
		id = s.nextSub
		s.nextSub++
		ids[canon] = id
		s.byId[id] = reg{val: v, path: canon}
	}
	current := v.current
	onSub, active := v.onSub, v.activeSubs()
	p.lock.Unlock()

	s.enqueue([]api.DataMsg{{Kind: api.DataSubscribed, Path: path, SubId: id, Value: current}})
	if !ok && onSub != nil {
		onSub(Client{s: s}, canon, active)
	}
}

func (s *session) handleUnsubscribe(id uint64) {
	p := s.pub
	p.lock.Lock()
	en, found := s.byId[id]
	var onSub SubscribeFunc
	var active int
	if found {
		delete(s.byId, id)
		if ids, ok := en.val.subs[s]; ok {
			delete(ids, en.path)
			if len(ids) == 0 {
				delete(en.val.subs, s)
			}
		}
		onSub, active = en.val.onSub, en.val.activeSubs()
	}
	p.lock.Unlock()

	// unsubscribing an unknown id still gets acknowledged, the
	// subscriber may have raced a publisher side drop
	s.enqueue([]api.DataMsg{{Kind: api.DataUnsubscribed, SubId: id}})
	if found && onSub != nil {
		onSub(Client{s: s}, en.path, active)
	}
}

func (s *session) handleWrite(id, reqId uint64, val wire.Value) {
	p := s.pub
	p.lock.Lock()
	en, found := s.byId[id]
	var fn WriteFunc
	writable := false
	if found {
		writable = en.val.writable
		fn = en.val.onWrite
	}
	p.lock.Unlock()

	if !found || !writable || fn == nil {
		if reqId != 0 {
			s.enqueue([]api.DataMsg{{Kind: api.DataDenied, SubId: id, ReqId: reqId}})
		}
		return
	}
	// handlers run on the session's write worker in arrival order; a
	// full worker queue pushes back on this session's read loop only
	select {
	case s.writeQ <- writeReq{fn: fn, val: val, subId: id, reqId: reqId}:
	case <-s.done:
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case w := <-s.writeQ:
			result := w.fn(Client{s: s}, w.val)
			if w.reqId != 0 {
				s.enqueue([]api.DataMsg{{Kind: api.DataWriteResult, SubId: w.subId, ReqId: w.reqId, Value: result}})
			}
		}
	}
}

// enqueue queues msgs for sending, waiting up to sessionEnqueueWait on
// a full queue. A session that stays full past the wait is evicted.
func (s *session) enqueue(msgs []api.DataMsg) {
	select {
	case s.sendQ <- msgs:
		return
	case <-s.done:
		return
	default:
	}
	timer := time.NewTimer(sessionEnqueueWait)
	defer timer.Stop()
	select {
	case s.sendQ <- msgs:
	case <-s.done:
	case <-timer.C:
		_publisherLogger.Warnln("subscriber too slow, evicting session")
		s.close()
	}
}

func (s *session) sendLoop() {
	interval := s.pub.cfg.HeartbeatEvery
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msgs := <-s.sendQ:
			packs := make([]wire.Pack, len(msgs))
			for i := range msgs {
				packs[i] = &msgs[i]
			}
			if err := s.ch.SendBatch(packs...); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.ch.SendHeartbeat(); err != nil {
				s.close()
				return
			}
		}
	}
}

// dropVal notifies the session that v was unpublished while it was
// subscribed, once per registered path.
func (s *session) dropVal(v *Val) {
	p := s.pub
	p.lock.Lock()
	var ids []uint64
	for sid, en := range s.byId {
		if en.val == v {
			ids = append(ids, sid)
			delete(s.byId, sid)
		}
	}
	delete(v.subs, s)
	p.lock.Unlock()
	for _, id := range ids {
		s.enqueue([]api.DataMsg{{Kind: api.DataUnsubscribed, SubId: id}})
	}
}
