package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/pkg/jsonrpc"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time                        { return c.t }
func (fakeClock) After(time.Duration) <-chan time.Time { return nil }

// recordingBridge captures every SendAsync call; errOnAll, when set, makes
// every call fail, exercising the hub's swallow-and-log behavior.
type recordingBridge struct {
	mu       sync.Mutex
	methods  []string
	params   []any
	errOnAll error
}

func (b *recordingBridge) SendAsync(_ context.Context, method string, params any) error {
	b.mu.Lock()
	b.methods = append(b.methods, method)
	b.params = append(b.params, params)
	b.mu.Unlock()
	return b.errOnAll
}

func (b *recordingBridge) last() (string, any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.methods[len(b.methods)-1], b.params[len(b.params)-1]
}

func testHub(bridge capability.NotificationBridge) *Hub {
	log, _ := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	return NewHub(bridge, fakeClock{t: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}, log)
}

func TestHub_CommandStatusIncludesResultOnlyWhenCompleted(t *testing.T) {
	bridge := &recordingBridge{}
	hub := testHub(bridge)

	snap := command.Snapshot{ID: "cmd-1", Text: "lm", State: command.Completed, Output: "module list output"}
	hub.CommandStatus(context.Background(), "sess-1", snap, 100, "completed")

	method, params := bridge.last()
	require.Equal(t, jsonrpc.MethodCommandStatus, method)
	p := params.(jsonrpc.CommandStatusParams)
	require.Equal(t, "sess-1", p.SessionID)
	require.Equal(t, "cmd-1", p.CommandID)
	require.NotNil(t, p.Result)
	require.Equal(t, "module list output", *p.Result)

	snap2 := command.Snapshot{ID: "cmd-2", Text: "dt", State: command.Executing}
	hub.CommandStatus(context.Background(), "sess-1", snap2, 0, "executing")
	_, params2 := bridge.last()
	require.Nil(t, params2.(jsonrpc.CommandStatusParams).Result)
}

func TestHub_CommandHeartbeatFormatsElapsed(t *testing.T) {
	bridge := &recordingBridge{}
	hub := testHub(bridge)

	hub.CommandHeartbeat(context.Background(), "sess-1", command.Snapshot{ID: "cmd-1"}, 90*time.Second)
	_, params := bridge.last()
	p := params.(jsonrpc.CommandHeartbeatParams)
	require.Equal(t, "1m 30s", p.ElapsedDisplay)
	require.Equal(t, int64(90), p.ElapsedSeconds)
}

func TestHub_SessionRecoveryCarriesReasonAndStep(t *testing.T) {
	bridge := &recordingBridge{}
	hub := testHub(bridge)

	hub.SessionRecovery(context.Background(), "sess-1", "ChildCrashed", "started", true, "recovery started", nil)
	method, params := bridge.last()
	require.Equal(t, jsonrpc.MethodSessionRecovery, method)
	p := params.(jsonrpc.SessionRecoveryParams)
	require.Equal(t, "ChildCrashed", p.Reason)
	require.Equal(t, "started", p.RecoveryStep)
	require.True(t, p.Success)
}

func TestHub_ServerHealthCarriesCounts(t *testing.T) {
	bridge := &recordingBridge{}
	hub := testHub(bridge)

	hub.ServerHealth(context.Background(), "ok", 2, 5, 1, 3*time.Hour)
	_, params := bridge.last()
	p := params.(jsonrpc.ServerHealthParams)
	require.Equal(t, "ok", p.Status)
	require.Equal(t, 2, p.CdbSessionActive)
	require.Equal(t, 5, p.QueueSize)
	require.Equal(t, 1, p.ActiveCommands)
	require.InDelta(t, 10800, p.UptimeSeconds, 0.001)
}

func TestHub_PublishSwallowsBridgeErrors(t *testing.T) {
	bridge := &recordingBridge{errOnAll: errBoom}
	hub := testHub(bridge)

	require.NotPanics(t, func() {
		hub.ToolsListChanged(context.Background())
		hub.ResourcesListChanged(context.Background())
	})
	require.Len(t, bridge.methods, 2)
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "bridge send failed" }

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "5s", FormatElapsed(5*time.Second))
	require.Equal(t, "2m 5s", FormatElapsed(2*time.Minute+5*time.Second))
	require.Equal(t, "1h 0m 3s", FormatElapsed(time.Hour+3*time.Second))
}
