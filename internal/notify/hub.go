// Package notify implements NotificationHub: a transport-agnostic fan-out
// of server-initiated JSON-RPC 2.0 notifications. Grounded on the
// teacher's pkg/acp/jsonrpc/types.go (envelope shape) and
// internal/events/bus/bus.go (pluggable bridge abstraction). Bridge errors
// are always logged and never propagate into the engine.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/pkg/jsonrpc"
)

// Hub is the NotificationHub. It composes typed payloads for every
// notification method and delegates delivery to an injected bridge.
type Hub struct {
	bridge capability.NotificationBridge
	clock  capability.Clock
	log    *logger.Logger
}

func NewHub(bridge capability.NotificationBridge, clock capability.Clock, log *logger.Logger) *Hub {
	return &Hub{bridge: bridge, clock: clock, log: log}
}

// Publish hands method/params to the bridge; any error is logged and
// swallowed so a transport failure never surfaces to engine callers.
func (h *Hub) Publish(ctx context.Context, method string, params any) {
	if err := h.bridge.SendAsync(ctx, method, params); err != nil {
		h.log.Warn("notify: publish failed", zap.String("method", method), zap.Error(err))
	}
}

func (h *Hub) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339Nano)
}

// CommandStatus publishes notifications/commandStatus for one command
// snapshot.
func (h *Hub) CommandStatus(ctx context.Context, sessionID string, c command.Snapshot, progress int, message string) {
	var result *string
	if c.State.IsTerminal() && c.State.String() == "Completed" {
		out := c.Output
		result = &out
	}
	h.Publish(ctx, jsonrpc.MethodCommandStatus, jsonrpc.CommandStatusParams{
		SessionID: sessionID,
		CommandID: c.ID,
		Command:   c.Text,
		Status:    c.State.String(),
		Result:    result,
		Progress:  progress,
		Message:   message,
		Error:     c.ErrorMessage,
		Timestamp: h.now(),
	})
}

// CommandHeartbeat publishes notifications/commandHeartbeat while a
// command is executing.
func (h *Hub) CommandHeartbeat(ctx context.Context, sessionID string, c command.Snapshot, elapsed time.Duration) {
	h.Publish(ctx, jsonrpc.MethodCommandHeartbeat, jsonrpc.CommandHeartbeatParams{
		SessionID:      sessionID,
		CommandID:      c.ID,
		Command:        c.Text,
		ElapsedSeconds: int64(elapsed.Seconds()),
		ElapsedDisplay: FormatElapsed(elapsed),
		Timestamp:      h.now(),
	})
}

// SessionRecovery publishes notifications/sessionRecovery.
func (h *Hub) SessionRecovery(ctx context.Context, sessionID, reason, step string, success bool, message string, affectedCommands []string) {
	_ = sessionID // recovery's wire shape carries no sessionId field per spec §6; kept as a parameter for symmetry with other Notifier methods and future extension
	h.Publish(ctx, jsonrpc.MethodSessionRecovery, jsonrpc.SessionRecoveryParams{
		Reason:           reason,
		RecoveryStep:     step,
		Success:          success,
		Message:          message,
		AffectedCommands: affectedCommands,
		Timestamp:        h.now(),
	})
}

// ServerHealth publishes notifications/serverHealth.
func (h *Hub) ServerHealth(ctx context.Context, status string, cdbSessionActive, queueSize, activeCommands int, uptime time.Duration) {
	h.Publish(ctx, jsonrpc.MethodServerHealth, jsonrpc.ServerHealthParams{
		Status:           status,
		CdbSessionActive: cdbSessionActive,
		QueueSize:        queueSize,
		ActiveCommands:   activeCommands,
		UptimeSeconds:    uptime.Seconds(),
		Timestamp:        h.now(),
	})
}

// ToolsListChanged publishes notifications/tools/listChanged with empty params.
func (h *Hub) ToolsListChanged(ctx context.Context) {
	h.Publish(ctx, jsonrpc.MethodToolsListChanged, jsonrpc.EmptyParams{})
}

// ResourcesListChanged publishes notifications/resources/listChanged with empty params.
func (h *Hub) ResourcesListChanged(ctx context.Context) {
	h.Publish(ctx, jsonrpc.MethodResourcesListChanged, jsonrpc.EmptyParams{})
}

// FormatElapsed renders a duration as "Hh Mm Ss" (>=1h), "Mm Ss" (>=1m), or
// "Ss" otherwise, per the commandHeartbeat wire format.
func FormatElapsed(d time.Duration) string {
	total := int64(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
