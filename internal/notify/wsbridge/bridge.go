// Package wsbridge implements a NotificationBridge over a raw
// gorilla/websocket duplex feed, for local dashboards that want
// notifications without an MCP client. Grounded on the teacher's
// general connection-registry/broadcast shape (internal/events/bus).
package wsbridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/pkg/jsonrpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge broadcasts notifications to every currently connected websocket
// client; clients that connect later simply miss earlier notifications,
// matching the fire-and-forget contract.
type Bridge struct {
	log *logger.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

func New(log *logger.Logger) *Bridge {
	return &Bridge{log: log, conns: make(map[*websocket.Conn]chan []byte)}
}

// ServeHTTP upgrades the connection and registers it for broadcast until it
// closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("wsbridge: upgrade failed")
		return
	}
	out := make(chan []byte, 64)

	b.mu.Lock()
	b.conns[conn] = out
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for msg := range out {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// SendAsync marshals method/params into a JSON-RPC 2.0 notification and
// broadcasts it to every connected client; a client whose send buffer is
// full is dropped rather than blocking the rest.
func (b *Bridge) SendAsync(_ context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params).Marshal()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, ch := range b.conns {
		select {
		case ch <- msg:
		default:
			b.log.Warn("wsbridge: dropping slow client")
			delete(b.conns, conn)
			close(ch)
		}
	}
	return nil
}
