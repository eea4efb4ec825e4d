package channel

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// Listen binds addr for incoming peer connections. Plain addresses bind
// TCP; "ws://" addresses serve WebSocket upgrades, and the accepted
// connections carry the same byte stream the ws dial side speaks. TLS
// termination for websocket endpoints belongs to the fronting proxy.
func Listen(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "ws://") {
		return ListenWS(strings.TrimPrefix(addr, "ws://"))
	}
	return net.Listen("tcp", addr)
}

type wsListener struct {
	ln    net.Listener
	srv   *http.Server
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

// ListenWS serves WebSocket upgrades on addr and yields each upgraded
// connection through the net.Listener interface, so accept loops handle
// ws peers exactly like TCP peers.
func ListenWS(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:    ln,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
	l.srv = &http.Server{Handler: l}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"pathmesh"},
	})
	if err != nil {
		return
	}
	conn := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.srv.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}
