package subscriber

import (
	"context"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/wire"
)

// pubConn is one authenticated connection to a publisher, shared by
// every subscription resolving to that publisher's address. All of its
// mutable state is guarded by the owning Subscriber's lock; the wire
// channel serializes writers internally.
type pubConn struct {
	sc   *Subscriber
	addr string
	ch   *channel.Channel

	// guarded by sc.lock
	subsById     map[uint64]*sub
	pendingSubs  map[string]*sub
	writeResults map[uint64]chan wire.Value
	nextReq      uint64
	dead         bool
}

func dialPublisher(sc *Subscriber, addr string) (*pubConn, error) {
	raw, err := channel.DialTimeout(addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	conn, err := sc.cfg.Mechanism.WrapClient(raw, sc.cfg.ServerName)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	var ch *channel.Channel
	if sc.cfg.Compress {
		ch = channel.NewCompressed(conn)
	} else {
		ch = channel.New(conn)
	}
	if err := ch.Handshake(10 * time.Second); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := sc.cfg.Mechanism.NegotiateClient(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &pubConn{
		sc:           sc,
		addr:         addr,
		ch:           ch,
		subsById:     make(map[uint64]*sub),
		pendingSubs:  make(map[string]*sub),
		writeResults: make(map[uint64]chan wire.Value),
		nextReq:      1,
	}, nil
}

func (c *pubConn) start() {
	go c.readLoop()
	go c.heartbeatLoop()
}

func (c *pubConn) close() {
	_ = c.ch.Close()
}

func (c *pubConn) heartbeatLoop() {
	ticker := time.NewTicker(api.DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sc.stop:
			return
		case <-ticker.C:
			if err := c.ch.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}

func (c *pubConn) readLoop() {
	for {
		batch, err := c.ch.ReadBatch()
		if err != nil {
			c.fail(err)
			return
		}
		if batch.IsHeartbeat() {
			continue
		}
		for {
			var msg api.DataMsg
			ok, err := batch.Next(&msg)
			if err != nil {
				c.fail(err)
				return
			}
			if !ok {
				break
			}
			c.dispatch(&msg)
		}
	}
}

// fail tears the connection down and reroutes every subscription that
// lived on it. Durable subscriptions land in the retry set, the rest
// die with the connection's error.
func (c *pubConn) fail(err error) {
	_ = c.ch.Close()
	sc := c.sc
	sc.lock.Lock()
	if c.dead {
		sc.lock.Unlock()
		return
	}
	c.dead = true
	if sc.conns[c.addr] == c {
		delete(sc.conns, c.addr)
	}
	orphans := make([]*sub, 0, len(c.subsById)+len(c.pendingSubs))
	for _, u := range c.subsById {
		orphans = append(orphans, u)
	}
	for _, u := range c.pendingSubs {
		orphans = append(orphans, u)
	}
	c.subsById = make(map[uint64]*sub)
	c.pendingSubs = make(map[string]*sub)
	results := c.writeResults
	c.writeResults = make(map[uint64]chan wire.Value)
	sc.lock.Unlock()

	for _, ack := range results {
		close(ack)
	}
	for _, u := range orphans {
		sc.subFailed(u, err)
	}
	_subscriberLogger.Warnln("publisher connection lost:", c.addr, err)
}

func (c *pubConn) dispatch(msg *api.DataMsg) {
	switch msg.Kind {
	case api.DataSubscribed:
		c.onSubscribed(msg)
	case api.DataUpdate:
		c.onUpdate(msg)
	case api.DataNoSuchValue:
		c.onNoSuchValue(msg)
	case api.DataUnsubscribed:
		c.onUnsubscribed(msg)
	case api.DataWriteResult, api.DataDenied:
		c.onWriteResult(msg)
	default:
		// unknown kinds are skipped for forward compatibility
	}
}

func (c *pubConn) onSubscribed(msg *api.DataMsg) {
	sc := c.sc
	sc.lock.Lock()
	u, ok := c.pendingSubs[msg.Path]
	if !ok {
		sc.lock.Unlock()
		return
	}
	delete(c.pendingSubs, msg.Path)
	if u.state == stateDead {
		sc.lock.Unlock()
		c.sendUnsubscribe(msg.SubId)
		return
	}
	u.state = stateSubscribed
	u.conn, u.id = c, msg.SubId
	c.subsById[msg.SubId] = u
	if u.cacheLast {
		u.last, u.hasLast = msg.Value, true
	}
	waiters := u.waiters
	u.waiters = nil
	replay := u.queuedWrites
	u.queuedWrites = nil
	listeners := snapshotListeners(u)
	sc.lock.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, fn := range listeners {
		fn(msg.Value)
	}
	// writes queued while disconnected replay in their original order
	for _, v := range replay {
		if err := c.sendWrite(msg.SubId, 0, v); err != nil {
			break
		}
	}
}

func (c *pubConn) onUpdate(msg *api.DataMsg) {
	sc := c.sc
	sc.lock.Lock()
	u, ok := c.subsById[msg.SubId]
	if !ok {
		sc.lock.Unlock()
		return
	}
	if u.cacheLast {
		u.last, u.hasLast = msg.Value, true
	}
	listeners := snapshotListeners(u)
	sc.lock.Unlock()
	for _, fn := range listeners {
		fn(msg.Value)
	}
}

func (c *pubConn) onNoSuchValue(msg *api.DataMsg) {
	sc := c.sc
	sc.lock.Lock()
	u, ok := c.pendingSubs[msg.Path]
	if ok {
		delete(c.pendingSubs, msg.Path)
	}
	sc.lock.Unlock()
	if ok {
		sc.subFailed(u, ErrNoSuchValue)
	}
}

// onUnsubscribed handles a publisher side drop: the value was
// unpublished under us. Durable subscriptions go back through recovery,
// the path may reappear on another publisher.
func (c *pubConn) onUnsubscribed(msg *api.DataMsg) {
	sc := c.sc
	sc.lock.Lock()
	u, ok := c.subsById[msg.SubId]
	if ok {
		delete(c.subsById, msg.SubId)
	}
	sc.lock.Unlock()
	if ok && u.state == stateSubscribed {
		sc.subFailed(u, ErrNoSuchValue)
	}
}

func (c *pubConn) onWriteResult(msg *api.DataMsg) {
	sc := c.sc
	sc.lock.Lock()
	ack, ok := c.writeResults[msg.ReqId]
	if ok {
		delete(c.writeResults, msg.ReqId)
	}
	sc.lock.Unlock()
	if !ok {
		return
	}
	if msg.Kind == api.DataDenied {
		// denial is an answer, not a transport failure
		ack <- wire.Error("write denied")
		return
	}
	ack <- msg.Value
}

func snapshotListeners(u *sub) []func(wire.Value) {
	if len(u.listeners) == 0 {
		return nil
	}
	out := make([]func(wire.Value), 0, len(u.listeners))
	for _, fn := range u.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *pubConn) sendSubscribe(u *sub) error {
	sc := c.sc
	sc.lock.Lock()
	if c.dead {
		sc.lock.Unlock()
		return channel.ErrClosed
	}
	c.pendingSubs[u.path] = u
	sc.lock.Unlock()
	msg := api.DataMsg{Kind: api.DataSubscribe, Path: u.path}
	if err := c.ch.SendBatch(&msg); err != nil {
		sc.lock.Lock()
		delete(c.pendingSubs, u.path)
		sc.lock.Unlock()
		return err
	}
	return nil
}

func (c *pubConn) sendUnsubscribe(id uint64) {
	sc := c.sc
	sc.lock.Lock()
	delete(c.subsById, id)
	sc.lock.Unlock()
	msg := api.DataMsg{Kind: api.DataUnsubscribe, SubId: id}
	_ = c.ch.SendBatch(&msg)
}

func (c *pubConn) sendWrite(id, reqId uint64, v wire.Value) error {
	msg := api.DataMsg{Kind: api.DataWrite, SubId: id, ReqId: reqId, Value: v}
	return c.ch.SendBatch(&msg)
}

func (c *pubConn) sendWriteWithResult(ctx context.Context, id uint64, v wire.Value) (wire.Value, error) {
	sc := c.sc
	ack := make(chan wire.Value, 1)
	sc.lock.Lock()
	reqId := c.nextReq
	c.nextReq++
	c.writeResults[reqId] = ack
	sc.lock.Unlock()

	if err := c.sendWrite(id, reqId, v); err != nil {
		sc.lock.Lock()
		delete(c.writeResults, reqId)
		sc.lock.Unlock()
		return wire.Value{}, err
	}
	select {
	case result, ok := <-ack:
		if !ok {
			return wire.Value{}, ErrNotSubscribed
		}
		return result, nil
	case <-ctx.Done():
		sc.lock.Lock()
		delete(c.writeResults, reqId)
		sc.lock.Unlock()
		return wire.Value{}, ctx.Err()
	}
}
