// Package queue implements the per-session CommandQueue: a FIFO of Command
// records, a single dispatch worker that drains it (optionally merging a
// prefix through the BatchProcessor), and cooperative cancellation.
// Grounded on the teacher's orchestrator/queue (heap.Interface pattern,
// adapted here to plain FIFO ordering via a monotonic sequence number) and
// orchestrator/scheduler (ticker-driven drain loop, retry/cancel
// bookkeeping).
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/batch"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/process"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/timeout"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the soft cap is exceeded.
var ErrQueueFull = engineerr.ErrQueueFull

// ErrUnknownCommand is returned by operations referencing a command id that
// was never issued by this queue.
var ErrUnknownCommand = engineerr.ErrUnknownCommand

// Executor is the subset of ProcessSession the queue depends on.
type Executor interface {
	ExecuteOne(ctx context.Context, text string, deadline time.Time, maxOutputBytes int) process.ExecResult
	Interrupt() error
	Restart(ctx context.Context, startupDelay, stopGrace time.Duration) error
}

// BatchProcessor is the subset of batch.Processor the queue depends on.
type BatchProcessor interface {
	BatchCommands(sessionID string, commands []*command.Command, newBatchID func() string) (*batch.Batch, []*command.Command, error)
	UnbatchResults(b *batch.Batch, aggregatedOutput string) ([]command.Result, error)
}

// Notifier is the subset of NotificationHub the queue depends on.
type Notifier interface {
	CommandStatus(ctx context.Context, sessionID string, c command.Snapshot, progress int, message string)
	CommandHeartbeat(ctx context.Context, sessionID string, c command.Snapshot, elapsed time.Duration)
}

// Config controls dispatch timing independent of the shared process config.
type Config struct {
	SoftCap           int
	CommandTimeout    time.Duration
	CancelGrace       time.Duration
	HeartbeatInterval time.Duration
	MaxOutputBytes    int
	BatchSeparator    string
	PeekPrefix        int // how many leading queued commands to offer the batcher
	StartupDelay      time.Duration // passed through to Executor.Restart after a promoted cancellation
	StopGrace         time.Duration
}

// Queue is the per-session CommandQueue.
type Queue struct {
	sessionID string
	cfg       Config
	executor  Executor
	batcher   BatchProcessor
	notifier  Notifier
	clock     capability.Clock
	timeoutSvc *timeout.Service
	log       *logger.Logger

	counter int64

	mu       sync.Mutex
	commands map[string]*command.Command
	order    []string // insertion order, includes terminal commands
	pending  []string // FIFO of Queued ids awaiting dispatch
	waiters  map[string][]chan struct{}
	current  *inflight

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	onActivity func()
	onBusy     func(bool)
}

type inflight struct {
	ids             []string
	cancel          context.CancelFunc
	cancelRequested bool
	promoted        bool
	execDone        chan struct{}
}

// New constructs a Queue for one session. Start must be called to begin
// draining it.
func New(sessionID string, cfg Config, executor Executor, batcher BatchProcessor, notifier Notifier, clock capability.Clock, timeoutSvc *timeout.Service, log *logger.Logger) *Queue {
	return &Queue{
		sessionID:  sessionID,
		cfg:        cfg,
		executor:   executor,
		batcher:    batcher,
		notifier:   notifier,
		clock:      clock,
		timeoutSvc: timeoutSvc,
		log:        log,
		commands:   make(map[string]*command.Command),
		waiters:    make(map[string][]chan struct{}),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// OnActivity registers a callback invoked whenever Enqueue, a result read,
// or a status query touches this queue, so SessionManager can track
// last_activity_at without the queue knowing about sessions.
func (q *Queue) OnActivity(fn func()) { q.onActivity = fn }

// OnBusyChanged registers a callback invoked true when this queue dispatches
// a command and false once it returns to idle, so SessionManager can track
// the session's Busy/Ready state without the queue knowing about sessions.
func (q *Queue) OnBusyChanged(fn func(bool)) { q.onBusy = fn }

func (q *Queue) touchActivity() {
	if q.onActivity != nil {
		q.onActivity()
	}
}

func (q *Queue) touchBusy(busy bool) {
	if q.onBusy != nil {
		q.onBusy(busy)
	}
}

// Start launches the single dispatch worker for this queue.
func (q *Queue) Start() {
	go q.workerLoop()
}

// Stop signals the worker to exit after its current dispatch cycle and
// waits for it to do so.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a new Queued command and returns its id.
func (q *Queue) Enqueue(text string) (string, error) {
	q.mu.Lock()
	nonTerminal := 0
	for _, id := range q.order {
		if !q.commands[id].State.IsTerminal() {
			nonTerminal++
		}
	}
	if q.cfg.SoftCap > 0 && nonTerminal >= q.cfg.SoftCap {
		q.mu.Unlock()
		return "", ErrQueueFull
	}

	id := q.nextIDLocked()
	c := &command.Command{
		ID:        id,
		SessionID: q.sessionID,
		Text:      text,
		State:     command.Queued,
		QueuedAt:  q.clock.Now(),
	}
	q.commands[id] = c
	q.order = append(q.order, id)
	q.pending = append(q.pending, id)
	q.mu.Unlock()

	q.touchActivity()
	q.signal()
	return id, nil
}

func (q *Queue) nextIDLocked() string {
	n := atomic.AddInt64(&q.counter, 1)
	return command.FormatID(q.sessionID, n)
}

// GetInfo returns a snapshot of one command, or ErrUnknownCommand.
func (q *Queue) GetInfo(id string) (command.Snapshot, error) {
	q.touchActivity()
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.commands[id]
	if !ok {
		return command.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	return c.Snapshot(), nil
}

// ListAll returns snapshots of every command this queue has ever issued, in
// enqueue order.
func (q *Queue) ListAll() []command.Snapshot {
	q.touchActivity()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]command.Snapshot, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.commands[id].Snapshot())
	}
	return out
}

// GetResultAsync blocks until the command reaches a terminal state (or ctx
// is done), then returns its snapshot.
func (q *Queue) GetResultAsync(ctx context.Context, id string) (command.Snapshot, error) {
	q.mu.Lock()
	c, ok := q.commands[id]
	if !ok {
		q.mu.Unlock()
		return command.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	if c.State.IsTerminal() {
		snap := c.Snapshot()
		q.mu.Unlock()
		q.touchActivity()
		return snap, nil
	}
	ch := make(chan struct{})
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return command.Snapshot{}, ctx.Err()
	}

	q.touchActivity()
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commands[id].Snapshot(), nil
}

func (q *Queue) wakeWaitersLocked(id string) {
	for _, ch := range q.waiters[id] {
		close(ch)
	}
	delete(q.waiters, id)
}

// Cancel cancels one command. Queued commands are dropped from the FIFO
// immediately; an Executing command is interrupted cooperatively and its
// final state is decided by the in-flight execution's outcome.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	c, ok := q.commands[id]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}

	switch c.State {
	case command.Queued:
		q.removePendingLocked(id)
		c.State = command.Cancelled
		now := q.clock.Now()
		c.EndedAt = &now
		q.wakeWaitersLocked(id)
		q.mu.Unlock()
		return true, nil
	case command.Executing:
		cur := q.current
		if cur == nil || !containsID(cur.ids, id) {
			q.mu.Unlock()
			return false, nil
		}
		cur.cancelRequested = true
		q.mu.Unlock()
		go q.interruptThenPromote(cur)
		return true, nil
	default:
		q.mu.Unlock()
		return false, nil
	}
}

// CancelAll cancels every non-terminal command and returns the count
// affected.
func (q *Queue) CancelAll(reason string) int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.order))
	for _, id := range q.order {
		if !q.commands[id].State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	count := 0
	for _, id := range ids {
		ok, _ := q.Cancel(id)
		if ok {
			count++
		}
	}
	return count
}

func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (q *Queue) interruptThenPromote(cur *inflight) {
	_ = q.executor.Interrupt()
	select {
	case <-cur.execDone:
		return
	case <-q.clock.After(q.cfg.CancelGrace):
		q.mu.Lock()
		if q.current == cur {
			cur.promoted = true
			cur.cancel()
		}
		q.mu.Unlock()
	}

	// Interrupt did not stop the child in time; it's left running the
	// abandoned command and must be restarted before the next dispatch.
	<-cur.execDone
	if err := q.executor.Restart(context.Background(), q.cfg.StartupDelay, q.cfg.StopGrace); err != nil {
		q.log.Error("queue: restart after promoted cancellation failed", zap.Error(err))
	}
}

// workerLoop is the single dispatch worker: it never starts a new command
// while the process is mid-execution, and offers a prefix of the FIFO to
// the batcher before each dispatch.
func (q *Queue) workerLoop() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}
		for q.dispatchNext() {
		}
	}
}

// dispatchNext dispatches at most one unit of work (a single command or a
// batch) and reports whether it dispatched anything, so workerLoop can
// drain a backlog without waiting for another wake signal.
func (q *Queue) dispatchNext() bool {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}

	peekLen := q.cfg.PeekPrefix
	if peekLen <= 0 || peekLen > len(q.pending) {
		peekLen = len(q.pending)
	}
	candidates := make([]*command.Command, 0, peekLen)
	for _, id := range q.pending[:peekLen] {
		candidates = append(candidates, q.commands[id])
	}
	q.mu.Unlock()

	b, _, err := q.batcher.BatchCommands(q.sessionID, candidates, q.nextID)
	if err != nil {
		q.log.Error("batch: merge failed", zap.Error(err))
	}

	if b != nil && len(b.SourceIDs) > 1 {
		q.dispatchBatch(b)
		return true
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	q.dispatchSingle(id)
	return true
}

func (q *Queue) nextID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextIDLocked()
}

func (q *Queue) dispatchSingle(id string) {
	q.mu.Lock()
	c := q.commands[id]
	now := q.clock.Now()
	c.State = command.Executing
	c.StartedAt = &now
	ctx, cancel := context.WithCancel(context.Background())
	cur := &inflight{ids: []string{id}, cancel: cancel, execDone: make(chan struct{})}
	q.current = cur
	q.mu.Unlock()

	q.touchBusy(true)
	q.notifier.CommandStatus(ctx, q.sessionID, c.Snapshot(), 0, "executing")
	stopHB := q.startHeartbeat(ctx, c)

	deadline := q.clock.Now().Add(q.cfg.CommandTimeout)
	result := q.executor.ExecuteOne(ctx, c.Text, deadline, q.cfg.MaxOutputBytes)
	stopHB()
	close(cur.execDone)

	q.finalizeSingle(cur, c, result)
}

func (q *Queue) dispatchBatch(b *batch.Batch) {
	q.mu.Lock()
	for _, id := range b.SourceIDs {
		q.removePendingLocked(id)
		c := q.commands[id]
		now := q.clock.Now()
		c.State = command.Executing
		c.StartedAt = &now
	}
	ctx, cancel := context.WithCancel(context.Background())
	cur := &inflight{ids: append([]string{}, b.SourceIDs...), cancel: cancel, execDone: make(chan struct{})}
	q.current = cur
	head := q.commands[b.SourceIDs[0]]
	q.mu.Unlock()

	q.touchBusy(true)
	q.notifier.CommandStatus(ctx, q.sessionID, head.Snapshot(), 0, fmt.Sprintf("executing batch of %d", len(b.SourceIDs)))
	stopHB := q.startHeartbeat(ctx, head)

	deadline := q.clock.Now().Add(q.cfg.CommandTimeout)
	result := q.executor.ExecuteOne(ctx, b.MergedText(b.Separator), deadline, q.cfg.MaxOutputBytes)
	stopHB()
	close(cur.execDone)

	q.finalizeBatch(cur, b, result)
}

func (q *Queue) startHeartbeat(ctx context.Context, c *command.Command) func() {
	if q.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	start := q.clock.Now()
	done := make(chan struct{})
	var stopOnce sync.Once
	var handle *timeout.Handle
	handle = q.timeoutSvc.Schedule(q.sessionID, c.ID, timeout.KindHeartbeat, start.Add(q.cfg.HeartbeatInterval), q.cfg.HeartbeatInterval, func(string, string, timeout.Kind) {
		select {
		case <-done:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		default:
			q.notifier.CommandHeartbeat(ctx, q.sessionID, c.Snapshot(), q.clock.Now().Sub(start))
		}
	})
	return func() {
		stopOnce.Do(func() { close(done) })
		q.timeoutSvc.Cancel(handle)
	}
}

func (q *Queue) finalizeSingle(cur *inflight, c *command.Command, result process.ExecResult) {
	q.mu.Lock()
	now := q.clock.Now()
	c.EndedAt = &now
	applyOutcome(c, cur, result)
	if q.current == cur {
		q.current = nil
	}
	q.wakeWaitersLocked(c.ID)
	snap := c.Snapshot()
	q.mu.Unlock()

	q.touchBusy(false)
	q.notifier.CommandStatus(context.Background(), q.sessionID, snap, 100, terminalMessage(snap.State))
	q.signal()
}

func (q *Queue) finalizeBatch(cur *inflight, b *batch.Batch, result process.ExecResult) {
	q.mu.Lock()
	now := q.clock.Now()

	if result.Status == process.ExecCompleted && !cur.cancelRequested {
		results, err := q.batcher.UnbatchResults(b, result.Output)
		if err != nil {
			for _, id := range b.SourceIDs {
				c := q.commands[id]
				c.EndedAt = &now
				c.State = command.Failed
				c.ErrorMessage = err.Error()
				success := false
				c.IsSuccess = &success
			}
		} else {
			byID := make(map[string]string, len(results))
			for _, r := range results {
				byID[r.CommandID] = r.Output
			}
			for _, id := range b.SourceIDs {
				c := q.commands[id]
				c.EndedAt = &now
				c.State = command.Completed
				c.Output = byID[id]
				success := true
				c.IsSuccess = &success
			}
		}
	} else {
		for _, id := range b.SourceIDs {
			c := q.commands[id]
			c.EndedAt = &now
			applyOutcome(c, cur, result)
		}
	}

	if q.current == cur {
		q.current = nil
	}
	snaps := make([]command.Snapshot, 0, len(b.SourceIDs))
	for _, id := range b.SourceIDs {
		q.wakeWaitersLocked(id)
		snaps = append(snaps, q.commands[id].Snapshot())
	}
	q.mu.Unlock()

	q.touchBusy(false)
	for _, snap := range snaps {
		q.notifier.CommandStatus(context.Background(), q.sessionID, snap, 100, terminalMessage(snap.State))
	}
	q.signal()
}

// applyOutcome maps a raw ExecResult plus any pending cancellation request
// onto the command's final state. Must be called with q.mu held.
func applyOutcome(c *command.Command, cur *inflight, result process.ExecResult) {
	if cur.cancelRequested {
		if cur.promoted {
			c.State = command.TimedOut
			c.ErrorMessage = "cancelled: promoted to restart after grace window"
		} else {
			c.State = command.Cancelled
		}
		return
	}

	switch result.Status {
	case process.ExecCompleted:
		c.State = command.Completed
		c.Output = result.Output
		success := true
		c.IsSuccess = &success
	case process.ExecTimedOut:
		c.State = command.TimedOut
		c.ErrorMessage = errString(result.Err)
	case process.ExecCancelled:
		c.State = command.Cancelled
		c.ErrorMessage = errString(result.Err)
	default:
		c.State = command.Failed
		c.ErrorMessage = errString(result.Err)
		success := false
		c.IsSuccess = &success
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func terminalMessage(s command.State) string {
	switch s {
	case command.Completed:
		return "completed"
	case command.Failed:
		return "failed"
	case command.Cancelled:
		return "cancelled"
	case command.TimedOut:
		return "timed out"
	default:
		return ""
	}
}
