// Package natsbridge implements a NotificationBridge that publishes
// notifications onto a NATS subject per method, for deployments where
// multiple engine processes share one notification stream. Grounded on
// the teacher's internal/events/bus (EventBus abstraction over nats.go).
package natsbridge

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/pkg/jsonrpc"
)

// Bridge publishes notifications to "<prefix>.<method>".
type Bridge struct {
	conn   *nats.Conn
	prefix string
}

func New(url, subjectPrefix string) (*Bridge, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	return &Bridge{conn: conn, prefix: subjectPrefix}, nil
}

func (b *Bridge) SendAsync(_ context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params).Marshal()
	if err != nil {
		return err
	}
	return b.conn.Publish(b.prefix+"."+method, msg)
}

// Close drains and closes the underlying NATS connection.
func (b *Bridge) Close() {
	_ = b.conn.Drain()
}
