// Package mcpbridge implements a NotificationBridge over an MCP server's
// own push channel, so a client already connected for tool calls receives
// engine notifications on the same transport. Grounded on the teacher's
// internal/mcpserver/server.go (NewMCPServer/SSE/Streamable wiring).
package mcpbridge

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/server"
)

// Bridge adapts *server.MCPServer to capability.NotificationBridge.
type Bridge struct {
	mcpServer *server.MCPServer
}

func New(mcpServer *server.MCPServer) *Bridge {
	return &Bridge{mcpServer: mcpServer}
}

// SendAsync forwards method/params as an MCP server-to-client notification.
// params is marshalled to a map since mcp-go's notification API takes
// map[string]any rather than an arbitrary struct.
func (b *Bridge) SendAsync(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return err
	}
	b.mcpServer.SendNotificationToAllClients(method, asMap)
	return nil
}
