package resolver

import (
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/secstore"
	"github.com/pathmesh/pathmesh/shared/logging"
	"github.com/pathmesh/pathmesh/wire"
)

var _serverLogger = logging.NewLogger("ResolverServer")

type ServerConfig struct {
	Listen string
	// MaxConns caps concurrently served connections, zero means 4096.
	MaxConns int
	// NumShards zero means one per core.
	NumShards int
	Mechanism secstore.Mechanism
	Lease     time.Duration
	// Compress enables snappy framing toward clients.
	Compress bool
}

// Server exposes the store over the wire. Each connection is serviced
// by its own goroutine; shard processing is delegated to the store's
// actors so a slow scan never stalls the accept loop or other
// connections.
type Server struct {
	cfg      ServerConfig
	store    *Store
	liveness *LivenessManager

	listener net.Listener
	stop     chan struct{}
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4096
	}
	if cfg.Mechanism == nil {
		cfg.Mechanism = secstore.NewLocal()
	}
	s := &Server{
		cfg:   cfg,
		store: NewStore(cfg.NumShards),
		stop:  make(chan struct{}),
	}
	s.liveness = NewLivenessManager(cfg.Lease, s.store.ClearPublisher)
	return s
}

func (s *Server) Store() *Store {
	return s.store
}

// Addr reports the bound listen address, useful when Listen was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	ln, err := channel.Listen(s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = netutil.LimitListener(ln, s.cfg.MaxConns)
	s.liveness.Start(s.stop)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() {
	close(s.stop)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.store.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			_serverLogger.Warnln("accept failed:", err)
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			_serverLogger.Errorln("connection handler panic:", r)
		}
		_ = raw.Close()
	}()

	conn, err := s.cfg.Mechanism.WrapServer(raw)
	if err != nil {
		_serverLogger.Warnln("connection security wrap failed:", err)
		return
	}
	var ch *channel.Channel
	if s.cfg.Compress {
		ch = channel.NewCompressed(conn)
	} else {
		ch = channel.New(conn)
	}
	if err := ch.Handshake(10 * time.Second); err != nil {
		_serverLogger.Warnln("handshake failed:", raw.RemoteAddr(), err)
		return
	}
	secCtx, err := s.cfg.Mechanism.NegotiateServer(ch)
	if err != nil {
		// auth failure is fatal for this connection only
		_serverLogger.Warnln("auth failed:", raw.RemoteAddr(), err)
		return
	}
	defer func() { _ = secCtx.Close() }()

	for {
		batch, err := ch.ReadBatch()
		if err != nil {
			return
		}
		if batch.IsHeartbeat() {
			continue
		}
		ops, err := decodeOps(batch)
		if err != nil {
			// malformed data resets this connection, nothing else
			_serverLogger.Warnln("malformed request, resetting connection:", raw.RemoteAddr(), err)
			return
		}
		s.trackLiveness(ops)
		if err := s.serveOps(ch, ops); err != nil {
			return
		}
	}
}

func decodeOps(batch *channel.Batch) ([]api.ResolverOp, error) {
	var ops []api.ResolverOp
	for {
		var op api.ResolverOp
		ok, err := batch.Next(&op)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ops, nil
		}
		ops = append(ops, op)
	}
}

func (s *Server) trackLiveness(ops []api.ResolverOp) {
	for i := range ops {
		switch ops[i].Kind {
		case api.OpHeartbeat, api.OpPublish:
			if !ops[i].Publisher.Id.IsZero() {
				s.liveness.Heartbeat(ops[i].Publisher.Id)
			}
		case api.OpClearPublisher:
			s.liveness.Forget(ops[i].Publisher.Id)
		}
	}
}

// serveOps answers a request batch in op order. The batch is split into
// bounded chunks and partial results are flushed after each one, so a
// single huge batch cannot monopolize the shards against other clients.
func (s *Server) serveOps(ch *channel.Channel, ops []api.ResolverOp) error {
	for len(ops) > 0 {
		chunk := chunkOps(ops, api.MaxReadOpsPerChunk, api.MaxWriteOpsPerChunk)
		answers := s.store.ApplyBatch(ops[:chunk])
		if err := sendAnswers(ch, answers); err != nil {
			return err
		}
		ops = ops[chunk:]
	}
	return nil
}

func sendAnswers(ch *channel.Channel, answers []api.ResolverAnswer) error {
	msgs := make([]wire.Pack, len(answers))
	for i := range answers {
		msgs[i] = &answers[i]
	}
	return ch.SendBatch(msgs...)
}

// chunkOps returns how many leading ops fit the per chunk read and
// write budgets, at least one.
func chunkOps(ops []api.ResolverOp, maxReads, maxWrites int) int {
	reads, writes := 0, 0
	for i := range ops {
		if ops[i].Kind.IsWrite() {
			writes++
		} else {
			reads++
		}
		if reads > maxReads || writes > maxWrites {
			return i
		}
	}
	return len(ops)
}

// ApplyBatch executes ops preserving order. Single shard ops run on
// their owning shard actors in parallel; namespace wide reads fan out
// and merge inline.
func (s *Store) ApplyBatch(ops []api.ResolverOp) []api.ResolverAnswer {
	answers := make([]api.ResolverAnswer, len(ops))
	out := make(chan shardAnswer, len(ops))
	pending := 0
	for i := range ops {
		op := &ops[i]
		if pathKind(op.Kind) {
			op.Path = paths.Canonicalize(op.Path)
			if ref, ok := s.referrals.Lookup(op.Path); ok {
				answers[i] = api.ResolverAnswer{Kind: api.AnswerReferral, Referral: ref}
				continue
			}
		}
		switch {
		case op.Kind == api.OpHeartbeat:
			answers[i] = api.ResolverAnswer{Kind: api.AnswerWritten}
		case op.Kind == api.OpOther:
			answers[i] = api.ErrorAnswer("unsupported operation")
		case broadcastKind(op.Kind):
			answers[i] = s.applyBroadcast(*op)
		default:
			s.shards[s.ShardOf(op.Path)].mailbox <- shardReq{op: op, out: out, slot: i}
			pending++
		}
	}
	for ; pending > 0; pending-- {
		a := <-out
		answers[a.slot] = a.answer
	}
	return answers
}
