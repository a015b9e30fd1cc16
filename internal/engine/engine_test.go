package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/batch"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/config"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/notify"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/queue"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/recovery"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/session"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"
)

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

// fakeChildHandle answers a scripted command instantly by echoing the
// sentinel bracket with no body, so every ExecuteOne call completes without
// a deadline race.
type fakeChildHandle struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exited  chan error
}

func newFakeChildHandle() *fakeChildHandle {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	er, ew := io.Pipe()
	h := &fakeChildHandle{stdinR: ir, stdinW: iw, stdoutR: or, stdoutW: ow, stderrR: er, stderrW: ew, exited: make(chan error, 1)}
	// Every command written to stdin gets its bracket echoed straight back
	// with no output lines, simulating a cdb command that succeeds silently.
	go func() {
		scanner := lineScanner(h.stdinR)
		for scanner.next() {
			line := scanner.text()
			if line == "<<<S>>>" {
				_, _ = io.WriteString(h.stdoutW, "<<<S>>>\n<<<E>>>\n")
			}
		}
	}()
	return h
}

func (h *fakeChildHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeChildHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeChildHandle) Stderr() io.Reader     { return h.stderrR }
func (h *fakeChildHandle) PID() int              { return 7777 }
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

// lineScanner is a tiny newline splitter, avoiding bufio.Scanner's eager
// internal buffering so the goroutine above can be restarted per test
// without extra plumbing.
type simpleScanner struct {
	r   io.Reader
	buf []byte
	cur string
	err error
}

func lineScanner(r io.Reader) *simpleScanner { return &simpleScanner{r: r} }

func (s *simpleScanner) next() bool {
	for {
		if i := indexByte(s.buf, '\n'); i >= 0 {
			s.cur = string(s.buf[:i])
			s.buf = s.buf[i+1:]
			return true
		}
		tmp := make([]byte, 4096)
		n, err := s.r.Read(tmp)
		if n > 0 {
			s.buf = append(s.buf, tmp[:n]...)
		}
		if err != nil {
			s.err = err
			return false
		}
	}
}

func (s *simpleScanner) text() string { return s.cur }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

type fakeProcMgr struct{}

func (fakeProcMgr) Spawn(context.Context, string, []string, string, map[string]string) (capability.ChildHandle, error) {
	return newFakeChildHandle(), nil
}

// recordingBridge records every notification published through it.
type recordingBridge struct {
	mu      sync.Mutex
	methods []string
}

func (b *recordingBridge) SendAsync(_ context.Context, method string, _ any) error {
	b.mu.Lock()
	b.methods = append(b.methods, method)
	b.mu.Unlock()
	return nil
}

func (b *recordingBridge) seen(method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.methods {
		if m == method {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, maxSessions int, existing map[string]bool) (*Engine, *recordingBridge) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	bridge := &recordingBridge{}
	clock := capability.NewSystemClock()
	hub := notify.NewHub(bridge, clock, log)
	batcher := batch.NewProcessor(batch.Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"})
	timeoutSvc := timeout.NewService(clock, time.Millisecond)
	t.Cleanup(timeoutSvc.Stop)
	sessions := session.NewManager(
		"cdb.exe",
		config.SessionConfig{MaxSessions: maxSessions, SweepIntervalSeconds: 3600},
		queue.Config{SoftCap: 10, CommandTimeout: 5 * time.Second, PeekPrefix: 5, BatchSeparator: "<<<SEP>>>"},
		config.ProcessConfig{StartupDelaySeconds: 0},
		process.Sentinels{Start: "<<<S>>>", End: "<<<E>>>", Separator: "<<<SEP>>>"},
		fakeFS{existing: existing},
		fakeProcMgr{},
		clock,
		timeoutSvc,
		batcher,
		hub,
		log,
	)
	supervisor := recovery.NewSupervisor(sessions, recovery.Config{PollInterval: time.Hour, MaxRestartAttempts: 3, RestartDelay: 0}, hub, clock, log)

	eng := New(sessions, supervisor, hub, clock, config.NotifyConfig{HealthIntervalSeconds: 3600}, otel.Tracer("test"), log)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng, bridge
}

// TestEngine_FullLifecycle exercises spec.md's scenario S1: create a
// session, enqueue and await a command, list commands and sessions, and close.
func TestEngine_FullLifecycle(t *testing.T) {
	eng, bridge := newTestEngine(t, 10, map[string]bool{`D:\dumps\ok.dmp`: true})
	ctx := context.Background()

	id, err := eng.CreateSession(ctx, `D:\dumps\ok.dmp`, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	active, err := eng.IsSessionActive(id)
	require.NoError(t, err)
	require.True(t, active)

	cmdID, err := eng.EnqueueCommand(ctx, id, "lm")
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := eng.GetCommandInfoAsync(dctx, id, cmdID)
	require.NoError(t, err)
	require.Equal(t, command.Completed, snap.State)

	all, err := eng.GetAllCommandInfos(id)
	require.NoError(t, err)
	require.Len(t, all, 1)

	sessions, err := eng.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.True(t, bridge.seen("notifications/commandStatus"))

	require.NoError(t, eng.CloseSession(id))
	active, err = eng.IsSessionActive(id)
	require.NoError(t, err)
	require.False(t, active)
}

// TestEngine_CapacityEnforced exercises spec scenario S6.
func TestEngine_CapacityEnforced(t *testing.T) {
	eng, _ := newTestEngine(t, 1, map[string]bool{`D:\dumps\a.dmp`: true, `D:\dumps\b.dmp`: true})
	ctx := context.Background()

	id1, err := eng.CreateSession(ctx, `D:\dumps\a.dmp`, "")
	require.NoError(t, err)

	_, err = eng.CreateSession(ctx, `D:\dumps\b.dmp`, "")
	require.ErrorIs(t, err, engineerr.ErrAtCapacity)

	require.NoError(t, eng.CloseSession(id1))

	id2, err := eng.CreateSession(ctx, `D:\dumps\b.dmp`, "")
	require.NoError(t, err)
	require.NotEmpty(t, id2)
}

func TestEngine_UnknownSessionOperationsFail(t *testing.T) {
	eng, _ := newTestEngine(t, 10, map[string]bool{})
	ctx := context.Background()

	_, err := eng.EnqueueCommand(ctx, "ghost", "lm")
	require.ErrorIs(t, err, engineerr.ErrUnknownSession)

	_, err = eng.GetSessionState("ghost")
	require.ErrorIs(t, err, engineerr.ErrUnknownSession)

	require.NoError(t, eng.CloseSession("ghost"), "closing an unknown session id is a no-op success")
}

func TestEngine_RejectsCallsAfterClose(t *testing.T) {
	eng, _ := newTestEngine(t, 10, map[string]bool{})
	require.NoError(t, eng.Close(context.Background()))

	_, err := eng.CreateSession(context.Background(), `D:\dumps\ok.dmp`, "")
	require.ErrorIs(t, err, engineerr.ErrEngineClosed)
}

func TestEngine_CommandEventListenerFires(t *testing.T) {
	eng, _ := newTestEngine(t, 10, map[string]bool{`D:\dumps\ok.dmp`: true})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []command.State
	eng.OnCommandStateChanged(func(ev CommandEvent) {
		mu.Lock()
		seen = append(seen, ev.Command.State)
		mu.Unlock()
	})

	id, err := eng.CreateSession(ctx, `D:\dumps\ok.dmp`, "")
	require.NoError(t, err)
	cmdID, err := eng.EnqueueCommand(ctx, id, "lm")
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = eng.GetCommandInfoAsync(dctx, id, cmdID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
}
