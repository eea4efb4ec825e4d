package channel

import (
	"context"
	"net"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// DialAddr connects to a peer address. Plain addresses dial TCP;
// "ws://" and "wss://" addresses tunnel the byte stream through a
// WebSocket, for subscribers that can only reach publishers through
// HTTP infrastructure.
func DialAddr(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		wsConn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			Subprotocols: []string{"pathmesh"},
		})
		if err != nil {
			return nil, err
		}
		return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
	}
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// DialTimeout is DialAddr with a plain timeout instead of a context.
func DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return DialAddr(ctx, addr)
}
