// Package process owns one cdb child process per debug session: spawning
// it, pumping its stdio, framing one command at a time with sentinels, and
// tearing it down. Grounded on the teacher's ProcessRunner (ringBuffer,
// two-phase stop, dedicated read/wait goroutines) and its platform launcher
// (Ctrl-Break vs SIGTERM signaling).
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"
)

// Status is the child process's lifecycle state.
type Status int

const (
	StatusStarting Status = iota
	StatusIdle
	StatusExecuting
	StatusHung
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "Starting"
	case StatusIdle:
		return "Idle"
	case StatusExecuting:
		return "Executing"
	case StatusHung:
		return "Hung"
	case StatusExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// ExecStatus is the terminal outcome of one ExecuteOne call.
type ExecStatus int

const (
	ExecCompleted ExecStatus = iota
	ExecTimedOut
	ExecCancelled
	ExecFailed
)

// ExecResult is what ExecuteOne returns: accumulated output plus outcome.
type ExecResult struct {
	Output string
	Status ExecStatus
	Err    error
}

// ErrNotIdle is returned when ExecuteOne is called while a command is
// already in flight or the process has not finished starting.
var ErrNotIdle = errors.New("process: session is not idle")

// ErrStartupFailed is returned by Start when the child cannot be spawned or
// exits before the configured startup delay elapses. A child that stays
// alive through the delay without printing anything is treated as ready.
var ErrStartupFailed = engineerr.ErrStartupFailed

// outputLine carries one pumped line, or the stream's terminal error; the
// stream it came from is given by the channel it arrives on.
type outputLine struct {
	text string
	err  error // non-nil: stream closed/errored
}

// Session owns exactly one child debugger process for the lifetime of a
// debug session (restart replaces the child but keeps identity).
type Session struct {
	binary string
	args   []string
	cwd    string
	env    map[string]string

	manager    capability.ProcessManager
	clock      capability.Clock
	sentinels  Sentinels
	timeoutSvc *timeout.Service
	log        *logger.Logger

	mu     sync.Mutex // guards status and handle
	status Status
	handle capability.ChildHandle

	stdoutCh chan outputLine
	stderrCh chan outputLine
	pumpGrp  *errgroup.Group
	pumpCtx  context.Context
	pumpStop context.CancelFunc

	execMu sync.Mutex // serializes ExecuteOne calls end-to-end
}

// NewSession constructs a Session bound to a specific debugger binary
// invocation. The process is not started until Start is called.
func NewSession(binary string, args []string, cwd string, env map[string]string, manager capability.ProcessManager, clock capability.Clock, sentinels Sentinels, timeoutSvc *timeout.Service, log *logger.Logger) *Session {
	return &Session{
		binary:     binary,
		args:       args,
		cwd:        cwd,
		env:        env,
		manager:    manager,
		clock:      clock,
		sentinels:  sentinels,
		timeoutSvc: timeoutSvc,
		log:        log,
		status:     StatusStarting,
	}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(v Status) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// PID returns the child's process id, or 0 if not started.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Start spawns the child and waits for either the startup delay to elapse
// (cdb is assumed ready once it has had time to load the target) or the
// child to exit early, whichever happens first.
func (s *Session) Start(ctx context.Context, startupDelay time.Duration) error {
	handle, err := s.manager.Spawn(ctx, s.binary, s.args, s.cwd, s.env)
	if err != nil {
		s.setStatus(StatusExited)
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	s.stdoutCh = make(chan outputLine, 256)
	s.stderrCh = make(chan outputLine, 256)
	s.pumpCtx, s.pumpStop = context.WithCancel(context.Background())

	grp, _ := errgroup.WithContext(s.pumpCtx)
	s.pumpGrp = grp
	grp.Go(func() error { pumpLines(handle.Stdout(), s.stdoutCh); return nil })
	grp.Go(func() error { pumpLines(handle.Stderr(), s.stderrCh); return nil })

	exitedCh := make(chan error, 1)
	grp.Go(func() error {
		exitedCh <- handle.Wait()
		return nil
	})

	select {
	case err := <-exitedCh:
		s.setStatus(StatusExited)
		return fmt.Errorf("%w: child exited during startup: %v", ErrStartupFailed, err)
	case <-s.clock.After(startupDelay):
		s.setStatus(StatusIdle)
		return nil
	}
}

// pumpLines reads the stream line by line for the process lifetime and
// forwards it into out; it never blocks the writer and terminates once the
// stream closes or errors, mirroring the teacher's readOutput goroutines.
func pumpLines(r io.Reader, out chan<- outputLine) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		out <- outputLine{text: scanner.Text()}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	out <- outputLine{err: err}
}

// ExecuteOne writes one command bracketed by sentinels and accumulates
// stdout lines observed strictly between the Start and End echoes. At most
// one ExecuteOne runs at a time per Session (execMu), matching the
// "at most one Executing state" invariant.
func (s *Session) ExecuteOne(ctx context.Context, commandText string, deadline time.Time, maxOutputBytes int) ExecResult {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.status != StatusIdle {
		cur := s.status
		s.mu.Unlock()
		return ExecResult{Status: ExecFailed, Err: fmt.Errorf("%w: status=%s", ErrNotIdle, cur)}
	}
	s.status = StatusExecuting
	handle := s.handle
	s.mu.Unlock()

	payload := s.sentinels.Start + "\n" + commandText + "\n" + s.sentinels.End + "\n"
	if _, err := io.WriteString(handle.Stdin(), payload); err != nil {
		s.setStatus(StatusExited)
		return ExecResult{Status: ExecFailed, Err: fmt.Errorf("process: write command: %w", err)}
	}

	var out strings.Builder
	inWindow := false
	timer := s.timeoutSvc.After(deadline)

	for {
		select {
		case line := <-s.stdoutCh:
			if line.err != nil {
				s.setStatus(StatusExited)
				return ExecResult{Output: out.String(), Status: ExecFailed, Err: fmt.Errorf("process: child exited: %w", line.err)}
			}
			switch {
			case s.sentinels.isStartLine(line.text):
				inWindow = true
			case s.sentinels.isEndLine(line.text):
				s.setStatus(StatusIdle)
				return ExecResult{Output: out.String(), Status: ExecCompleted}
			case inWindow:
				out.WriteString(line.text)
				out.WriteByte('\n')
				if maxOutputBytes > 0 && out.Len() > maxOutputBytes {
					s.setStatus(StatusIdle)
					return ExecResult{Output: out.String(), Status: ExecFailed, Err: fmt.Errorf("process: output overflow")}
				}
			}
		case <-ctx.Done():
			// ctx is only ever cancelled by the queue's promoted-cancellation
			// path once Interrupt() failed to stop the command within the
			// grace window: the child is still running the abandoned command.
			s.setStatus(StatusHung)
			return ExecResult{Output: out.String(), Status: ExecCancelled, Err: ctx.Err()}
		case <-timer:
			s.setStatus(StatusHung)
			return ExecResult{Output: out.String(), Status: ExecTimedOut, Err: fmt.Errorf("process: command deadline exceeded")}
		}
	}
}

// Interrupt sends a best-effort Ctrl-Break-equivalent to abort the current
// command without terminating the process.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return errors.New("process: not started")
	}
	return handle.Signal()
}

// Restart terminates the current child (if any) and starts a fresh one,
// clearing accumulators and pump state. Takes execMu so a dispatch racing
// in from the queue right after a promoted cancellation blocks on ExecuteOne
// until the restarted child is actually ready, instead of running against
// the torn-down process.
func (s *Session) Restart(ctx context.Context, startupDelay, stopGrace time.Duration) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.Stop(stopGrace)
	return s.Start(ctx, startupDelay)
}

// Stop performs a graceful "q" then forced kill after grace, and joins the
// pump goroutines before returning.
func (s *Session) Stop(grace time.Duration) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}

	_, _ = io.WriteString(handle.Stdin(), "q\n")
	TerminateThenKill(handle, grace)

	if s.pumpStop != nil {
		s.pumpStop()
	}
	if s.pumpGrp != nil {
		_ = s.pumpGrp.Wait()
	}
	s.setStatus(StatusExited)
}
