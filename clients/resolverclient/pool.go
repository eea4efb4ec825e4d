package resolverclient

import (
	"sync"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/wire"
)

// connPool keeps one pooled connection per resolver address. The
// resolver answers a connection's batches in request order, so batches
// on one connection are serialized; concurrency comes from addressing
// several cluster members.
type connPool struct {
	cfg Config

	lock  sync.Mutex
	conns map[string]*pooledConn
}

func newConnPool(cfg Config) *connPool {
	return &connPool{
		cfg:   cfg,
		conns: make(map[string]*pooledConn),
	}
}

func (p *connPool) get(addr string) (*pooledConn, error) {
	p.lock.Lock()
	pc, ok := p.conns[addr]
	if !ok {
		pc = &pooledConn{addr: addr, cfg: p.cfg, lastUsed: time.Now()}
		p.conns[addr] = pc
	}
	p.lock.Unlock()
	return pc, nil
}

func (p *connPool) drop(addr string, pc *pooledConn) {
	p.lock.Lock()
	if p.conns[addr] == pc {
		delete(p.conns, addr)
	}
	p.lock.Unlock()
	pc.close()
}

func (p *connPool) closeAll() {
	p.lock.Lock()
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*pooledConn)
	p.lock.Unlock()
	for _, pc := range conns {
		pc.close()
	}
}

// idleLoop closes connections that have sat past the idle window with
// nothing queued. Queued requests always keep a connection open; mere
// heartbeat traffic never counts as busy, otherwise a quiet connection
// could starve the rest of the pool forever.
func (p *connPool) idleLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.IdleWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.lock.Lock()
			for addr, pc := range p.conns {
				if pc.idleSince(now) > p.cfg.IdleWindow {
					delete(p.conns, addr)
					go pc.close()
				}
			}
			p.lock.Unlock()
		}
	}
}

type pooledConn struct {
	addr string
	cfg  Config

	lock     sync.Mutex
	ch       *channel.Channel
	queued   int
	lastUsed time.Time
}

func (pc *pooledConn) idleSince(now time.Time) time.Duration {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if pc.queued > 0 {
		return 0
	}
	return now.Sub(pc.lastUsed)
}

func (pc *pooledConn) close() {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if pc.ch != nil {
		_ = pc.ch.Close()
		pc.ch = nil
	}
}

// connect dials, wraps, handshakes and authenticates. Caller holds the
// lock.
func (pc *pooledConn) connect(timeout time.Duration) error {
	if pc.ch != nil {
		return nil
	}
	raw, err := channel.DialTimeout(pc.addr, timeout)
	if err != nil {
		return err
	}
	conn, err := pc.cfg.Mechanism.WrapClient(raw, pc.cfg.ServerName)
	if err != nil {
		_ = raw.Close()
		return err
	}
	var ch *channel.Channel
	if pc.cfg.Compress {
		ch = channel.NewCompressed(conn)
	} else {
		ch = channel.New(conn)
	}
	if err := ch.Handshake(timeout); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := pc.cfg.Mechanism.NegotiateClient(ch); err != nil {
		_ = ch.Close()
		return err
	}
	pc.ch = ch
	return nil
}

// exchange sends one op batch and collects exactly one answer per op.
// Answers can arrive spread over several frames when the server flushes
// chunks early.
func (pc *pooledConn) exchange(ops []api.ResolverOp, timeout time.Duration) ([]api.ResolverAnswer, error) {
	pc.lock.Lock()
	defer pc.lock.Unlock()

	pc.queued++
	defer func() {
		pc.queued--
		pc.lastUsed = time.Now()
	}()

	if err := pc.connect(timeout); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	_ = pc.ch.Conn().SetDeadline(deadline)
	defer func() { _ = pc.ch.Conn().SetDeadline(time.Time{}) }()

	msgs := make([]wire.Pack, len(ops))
	for i := range ops {
		msgs[i] = &ops[i]
	}
	if err := pc.ch.SendBatch(msgs...); err != nil {
		pc.closeLocked()
		return nil, err
	}
	answers := make([]api.ResolverAnswer, 0, len(ops))
	for len(answers) < len(ops) {
		batch, err := pc.ch.ReadBatch()
		if err != nil {
			pc.closeLocked()
			return nil, err
		}
		if batch.IsHeartbeat() {
			continue
		}
		for {
			var a api.ResolverAnswer
			ok, err := batch.Next(&a)
			if err != nil {
				pc.closeLocked()
				return nil, err
			}
			if !ok {
				break
			}
			answers = append(answers, a)
		}
		if len(answers) > len(ops) {
			pc.closeLocked()
			return nil, ErrShortAnswer
		}
	}
	return answers, nil
}

func (pc *pooledConn) closeLocked() {
	if pc.ch != nil {
		_ = pc.ch.Close()
		pc.ch = nil
	}
}
