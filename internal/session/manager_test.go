package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/batch"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/queue"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"
)

// fakeFS is a Filesystem backed by an in-memory set of existing paths.
type fakeFS struct{ existing map[string]bool }

func (f fakeFS) Exists(path string) bool { return f.existing[path] }
func (f fakeFS) OpenRead(path string) (io.ReadCloser, error) {
	if !f.existing[path] {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(io.LimitReader(nil, 0)), nil
}
func (fakeFS) FileName(path string) string                 { return path }
func (fakeFS) DirectoryList(string) ([]string, error) { return nil, nil }

// fakeClock fires After immediately and reports a fixed Now captured at
// construction, which tests move forward with advance to simulate idle time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// fakeChildHandle is a ChildHandle over io.Pipe stdio that never exits on
// its own; tests that don't care about process output just need Start to
// observe a live process past the startup delay.
type fakeChildHandle struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter
	exited                   chan error
}

func newFakeChildHandle() *fakeChildHandle {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	er, ew := io.Pipe()
	h := &fakeChildHandle{stdinR: ir, stdinW: iw, stdoutR: or, stdoutW: ow, stderrR: er, stderrW: ew, exited: make(chan error, 1)}
	// Nothing here inspects stdin content; drain it so writes (command
	// payloads, the "q\n" quit command) never block on an unread pipe.
	go func() { _, _ = io.Copy(io.Discard, h.stdinR) }()
	return h
}

func (h *fakeChildHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeChildHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeChildHandle) Stderr() io.Reader     { return h.stderrR }
func (h *fakeChildHandle) PID() int              { return 9999 }
func (h *fakeChildHandle) Wait() error           { return <-h.exited }
func (h *fakeChildHandle) Signal() error         { return nil }
func (h *fakeChildHandle) Kill() error {
	select {
	case h.exited <- nil:
	default:
	}
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	return nil
}

type fakeProcMgr struct{ handle *fakeChildHandle }

func (m fakeProcMgr) Spawn(context.Context, string, []string, string, map[string]string) (capability.ChildHandle, error) {
	return m.handle, nil
}

type noopNotifier struct{}

func (noopNotifier) CommandStatus(context.Context, string, command.Snapshot, int, string)        {}
func (noopNotifier) CommandHeartbeat(context.Context, string, command.Snapshot, time.Duration) {}

func testManager(t *testing.T, maxSessions int, idleTimeout time.Duration, clock capability.Clock, existing map[string]bool) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	timeoutSvc := timeout.NewService(capability.NewSystemClock(), time.Millisecond)
	t.Cleanup(timeoutSvc.Stop)

	m := NewManager(
		"cdb.exe",
		config.SessionConfig{MaxSessions: maxSessions, IdleTimeoutSeconds: int(idleTimeout.Seconds()), SweepIntervalSeconds: 3600},
		queue.Config{SoftCap: 10, CommandTimeout: time.Second},
		config.ProcessConfig{StartupDelaySeconds: 0},
		process.Sentinels{Start: "<<<S>>>", End: "<<<E>>>", Separator: "<<<SEP>>>"},
		fakeFS{existing: existing},
		fakeProcMgr{handle: newFakeChildHandle()},
		clock,
		timeoutSvc,
		batch.NewProcessor(batch.Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"}),
		noopNotifier{},
		log,
	)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_CreateRejectsMissingDump(t *testing.T) {
	m := testManager(t, 10, time.Hour, newFakeClock(), map[string]bool{})
	_, err := m.Create(context.Background(), `D:\dumps\missing.dmp`, "")
	require.ErrorIs(t, err, engineerr.ErrDumpNotFound)
}

func TestManager_CreateAndCloseLifecycle(t *testing.T) {
	m := testManager(t, 10, time.Hour, newFakeClock(), map[string]bool{`D:\dumps\ok.dmp`: true})

	id, err := m.Create(context.Background(), `D:\dumps\ok.dmp`, "")
	require.NoError(t, err)
	require.True(t, m.Exists(id))

	s, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, Ready, s.State())

	require.NoError(t, m.Close(id))
	require.False(t, m.Exists(id))
}

func TestManager_CloseUnknownSessionIsNoop(t *testing.T) {
	m := testManager(t, 10, time.Hour, newFakeClock(), map[string]bool{})
	require.NoError(t, m.Close("does-not-exist"))
}

func TestManager_CapacityEnforced(t *testing.T) {
	m := testManager(t, 1, time.Hour, newFakeClock(), map[string]bool{`D:\dumps\a.dmp`: true, `D:\dumps\b.dmp`: true})

	id1, err := m.Create(context.Background(), `D:\dumps\a.dmp`, "")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), `D:\dumps\b.dmp`, "")
	require.ErrorIs(t, err, engineerr.ErrAtCapacity)

	require.NoError(t, m.Close(id1))

	_, err = m.Create(context.Background(), `D:\dumps\b.dmp`, "")
	require.NoError(t, err)
}

func TestManager_IdleSweepEvictsQuietSession(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, 10, time.Minute, clock, map[string]bool{`D:\dumps\ok.dmp`: true})

	id, err := m.Create(context.Background(), `D:\dumps\ok.dmp`, "")
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	m.sweepOnce()
	require.False(t, m.Exists(id), "idle session with no pending commands should be evicted")
}
