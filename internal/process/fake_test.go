package process

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
)

// fakeClock is a deterministic Clock: After fires immediately unless a
// test arranges otherwise by swapping the duration compared against a
// configured "never" threshold.
type fakeClock struct {
	mu    sync.Mutex
	never time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	never := c.never
	c.mu.Unlock()
	if never > 0 && d >= never {
		// leave channel empty: simulates a deadline that never fires
		// within the test's observation window
		return ch
	}
	ch <- time.Now()
	return ch
}

// pipeHandle is an in-memory ChildHandle backed by io.Pipe, letting tests
// script cdb-like stdout without a real binary.
type pipeHandle struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exited  chan error
	signals int
	mu      sync.Mutex
}

func newPipeHandle() *pipeHandle {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	er, ew := io.Pipe()
	h := &pipeHandle{
		stdinR: ir, stdinW: iw,
		stdoutR: or, stdoutW: ow,
		stderrR: er, stderrW: ew,
		exited: make(chan error, 1),
	}
	// Nothing in these tests inspects what ExecuteOne wrote to stdin; drain
	// it in the background so the write doesn't block on an unread pipe.
	go func() { _, _ = io.Copy(io.Discard, h.stdinR) }()
	return h
}

func (h *pipeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *pipeHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *pipeHandle) Stderr() io.Reader     { return h.stderrR }
func (h *pipeHandle) PID() int              { return 4242 }
func (h *pipeHandle) Wait() error           { return <-h.exited }
func (h *pipeHandle) Signal() error {
	h.mu.Lock()
	h.signals++
	h.mu.Unlock()
	return nil
}
func (h *pipeHandle) Kill() error {
	select {
	case h.exited <- nil:
	default:
	}
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	return nil
}

type fakeManager struct {
	handle *pipeHandle
}

func (m *fakeManager) Spawn(_ context.Context, _ string, _ []string, _ string, _ map[string]string) (capability.ChildHandle, error) {
	return m.handle, nil
}
