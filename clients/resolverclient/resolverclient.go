// Package resolverclient is the resolver access layer shared by
// publishers and subscribers: connection pooling, batch timeouts and
// referral following live here so neither side reimplements them.
package resolverclient

import (
	"errors"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/secstore"
	"github.com/pathmesh/pathmesh/shared/logging"
)

var _clientLogger = logging.NewLogger("ResolverClient")

var (
	ErrNoResolvers  = errors.New("no resolver addresses configured")
	ErrReferralLoop = errors.New("referral hop bound exceeded, probable referral loop")
	ErrShortAnswer  = errors.New("resolver answered fewer ops than asked")
)

type Config struct {
	// Addrs are the member addresses of one resolver cluster.
	Addrs     []string
	Mechanism secstore.Mechanism
	// ServerName for TLS certificate verification.
	ServerName string
	// ReferralBound caps referral hops; zero means the default. The
	// protocol permits cyclic referral configurations, the bound is the
	// only defense.
	ReferralBound int
	// IdleWindow after which a connection with nothing queued closes.
	IdleWindow time.Duration
	Compress   bool

	TimeoutFloor time.Duration
	ReadOpCost   time.Duration
	WriteOpCost  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Mechanism == nil {
		out.Mechanism = secstore.NewLocal()
	}
	if out.ReferralBound <= 0 {
		out.ReferralBound = api.DefaultReferralBound
	}
	if out.IdleWindow <= 0 {
		out.IdleWindow = api.DefaultIdleConnWindow
	}
	if out.TimeoutFloor <= 0 {
		out.TimeoutFloor = api.ResolverTimeoutFloor
	}
	if out.ReadOpCost <= 0 {
		out.ReadOpCost = api.ResolverReadOpCost
	}
	if out.WriteOpCost <= 0 {
		out.WriteOpCost = api.ResolverWriteOpCost
	}
	return out
}

type Client struct {
	cfg  Config
	pool *connPool
	stop chan struct{}
}

func New(cfg Config) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoResolvers
	}
	full := cfg.withDefaults()
	c := &Client{
		cfg:  full,
		pool: newConnPool(full),
		stop: make(chan struct{}),
	}
	go c.pool.idleLoop(c.stop)
	return c, nil
}

func (c *Client) Close() {
	close(c.stop)
	c.pool.closeAll()
}

// BatchTimeout is max(floor, per op cost x op count); writes cost more
// than reads. The floor keeps small batches from losing to jitter.
func (c *Client) BatchTimeout(ops []api.ResolverOp) time.Duration {
	var reads, writes int
	for i := range ops {
		if ops[i].Kind.IsWrite() {
			writes++
		} else {
			reads++
		}
	}
	cost := time.Duration(reads)*c.cfg.ReadOpCost + time.Duration(writes)*c.cfg.WriteOpCost
	if cost < c.cfg.TimeoutFloor {
		return c.cfg.TimeoutFloor
	}
	return cost
}

// Resolve maps each path to the publishers serving it, following
// referrals up to the configured hop bound.
func (c *Client) Resolve(pathList []string) ([][]api.PublisherRef, error) {
	ops := make([]api.ResolverOp, len(pathList))
	for i, p := range pathList {
		ops[i] = api.ResolverOp{Kind: api.OpResolve, Path: paths.Canonicalize(p)}
	}
	answers, err := c.readOps(ops)
	if err != nil {
		return nil, err
	}
	out := make([][]api.PublisherRef, len(answers))
	for i := range answers {
		if answers[i].Kind == api.AnswerError {
			return nil, errors.New(answers[i].Err)
		}
		out[i] = answers[i].Refs
	}
	return out, nil
}

func (c *Client) List(path string) ([]string, error) {
	return c.pathsQuery(api.ResolverOp{Kind: api.OpList, Path: paths.Canonicalize(path)})
}

func (c *Client) ListMatching(pattern string) ([]string, error) {
	return c.pathsQuery(api.ResolverOp{Kind: api.OpListMatching, Path: paths.Canonicalize(pattern)})
}

func (c *Client) Table(path string) ([]api.TableRow, error) {
	answers, err := c.readOps([]api.ResolverOp{{Kind: api.OpTable, Path: paths.Canonicalize(path)}})
	if err != nil {
		return nil, err
	}
	if answers[0].Kind == api.AnswerError {
		return nil, errors.New(answers[0].Err)
	}
	return answers[0].Rows, nil
}

// CheckChanged reports the mutation version of path, zero when absent.
// Pollers compare against the previously seen version.
func (c *Client) CheckChanged(path string) (uint64, error) {
	answers, err := c.readOps([]api.ResolverOp{{Kind: api.OpCheckChanged, Path: paths.Canonicalize(path)}})
	if err != nil {
		return 0, err
	}
	if answers[0].Kind == api.AnswerError {
		return 0, errors.New(answers[0].Err)
	}
	return answers[0].Version, nil
}

func (c *Client) pathsQuery(op api.ResolverOp) ([]string, error) {
	answers, err := c.readOps([]api.ResolverOp{op})
	if err != nil {
		return nil, err
	}
	if answers[0].Kind == api.AnswerError {
		return nil, errors.New(answers[0].Err)
	}
	return answers[0].Paths, nil
}

// Publish advertises ref as a publisher of every path. Write ops go to
// every cluster member so the members stay consistent without talking
// to each other.
func (c *Client) Publish(ref api.PublisherRef, pathList []string) error {
	ops := make([]api.ResolverOp, len(pathList))
	for i, p := range pathList {
		ops[i] = api.ResolverOp{Kind: api.OpPublish, Path: paths.Canonicalize(p), Publisher: ref}
	}
	return c.writeOps(ops)
}

func (c *Client) Unpublish(id api.PublisherId, pathList []string) error {
	ops := make([]api.ResolverOp, len(pathList))
	for i, p := range pathList {
		ops[i] = api.ResolverOp{
			Kind:      api.OpUnpublish,
			Path:      paths.Canonicalize(p),
			Publisher: api.PublisherRef{Id: id},
		}
	}
	return c.writeOps(ops)
}

func (c *Client) Clear(id api.PublisherId) error {
	return c.writeOps([]api.ResolverOp{{
		Kind:      api.OpClearPublisher,
		Publisher: api.PublisherRef{Id: id},
	}})
}

func (c *Client) Heartbeat(id api.PublisherId) error {
	return c.writeOps([]api.ResolverOp{{
		Kind:      api.OpHeartbeat,
		Publisher: api.PublisherRef{Id: id},
	}})
}

// readOps runs ops against one reachable member, following referrals.
func (c *Client) readOps(ops []api.ResolverOp) ([]api.ResolverAnswer, error) {
	return c.opsWithReferrals(c.cfg.Addrs, ops, 0)
}

// writeOps replicates ops to all members of the cluster, following
// referrals for ops under delegated subtrees.
func (c *Client) writeOps(ops []api.ResolverOp) error {
	return c.writeOpsTo(c.cfg.Addrs, ops, 0)
}

func (c *Client) writeOpsTo(addrs []string, ops []api.ResolverOp, hops int) error {
	if hops > c.cfg.ReferralBound {
		return ErrReferralLoop
	}
	var firstErr error
	// members of one cluster share a referral table, so referred op
	// indexes collected across members dedup into one set
	referred := make(map[int]api.Referral)
	for _, addr := range addrs {
		answers, err := c.exchange(addr, ops)
		if err != nil {
			_clientLogger.Warnln("write batch failed:", addr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range answers {
			switch answers[i].Kind {
			case api.AnswerError:
				if firstErr == nil {
					firstErr = errors.New(answers[i].Err)
				}
			case api.AnswerReferral:
				referred[i] = answers[i].Referral
			}
		}
	}
	if len(referred) == 0 {
		return firstErr
	}
	type group struct {
		addrs []string
		idx   []int
	}
	groups := make(map[string]*group)
	for i, ref := range referred {
		g, ok := groups[ref.Prefix]
		if !ok {
			g = &group{addrs: ref.Addrs}
			groups[ref.Prefix] = g
		}
		g.idx = append(g.idx, i)
	}
	for _, g := range groups {
		sub := make([]api.ResolverOp, len(g.idx))
		for j, i := range g.idx {
			sub[j] = ops[i]
		}
		if err := c.writeOpsTo(g.addrs, sub, hops+1); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) opsWithReferrals(addrs []string, ops []api.ResolverOp, hops int) ([]api.ResolverAnswer, error) {
	if hops > c.cfg.ReferralBound {
		return nil, ErrReferralLoop
	}
	answers, err := c.exchangeAny(addrs, ops)
	if err != nil {
		return nil, err
	}
	// group referred ops by delegated cluster and retry them there
	type group struct {
		addrs []string
		idx   []int
	}
	groups := make(map[string]*group)
	for i := range answers {
		if answers[i].Kind != api.AnswerReferral {
			continue
		}
		ref := answers[i].Referral
		g, ok := groups[ref.Prefix]
		if !ok {
			g = &group{addrs: ref.Addrs}
			groups[ref.Prefix] = g
		}
		g.idx = append(g.idx, i)
	}
	for _, g := range groups {
		sub := make([]api.ResolverOp, len(g.idx))
		for j, i := range g.idx {
			sub[j] = ops[i]
		}
		subAnswers, err := c.opsWithReferrals(g.addrs, sub, hops+1)
		if err != nil {
			return nil, err
		}
		for j, i := range g.idx {
			answers[i] = subAnswers[j]
		}
	}
	return answers, nil
}

func (c *Client) exchangeAny(addrs []string, ops []api.ResolverOp) ([]api.ResolverAnswer, error) {
	if len(addrs) == 0 {
		return nil, ErrNoResolvers
	}
	var lastErr error
	for _, addr := range addrs {
		answers, err := c.exchange(addr, ops)
		if err == nil {
			return answers, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) exchange(addr string, ops []api.ResolverOp) ([]api.ResolverAnswer, error) {
	timeout := c.BatchTimeout(ops)
	conn, err := c.pool.get(addr)
	if err != nil {
		return nil, err
	}
	answers, err := conn.exchange(ops, timeout)
	if err != nil {
		// a timed out batch signals a hung resolver; drop the
		// connection so retry starts clean
		c.pool.drop(addr, conn)
		return nil, err
	}
	return answers, nil
}
