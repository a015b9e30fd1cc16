// Package timeout implements TimeoutService: one process-wide ticker
// backed by a deadline-ordered min-heap, delivering per-entry callbacks
// when their deadline elapses. Grounded on the teacher's
// orchestrator/queue/queue.go taskHeap (container/heap.Interface), here
// ordered by deadline ascending instead of priority descending.
package timeout

import (
	"container/heap"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/capability"
)

// Kind distinguishes a one-shot deadline entry from a recurring heartbeat
// entry; heartbeat entries are rescheduled after firing, timeout entries
// are not.
type Kind int

const (
	KindTimeout Kind = iota
	KindHeartbeat
)

// entry is one scheduled deadline.
type entry struct {
	deadline  time.Time
	sessionID string
	commandID string
	kind      Kind
	interval  time.Duration // only meaningful for KindHeartbeat
	callback  func(sessionID, commandID string, kind Kind)
	index     int
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle lets a caller cancel a scheduled entry before it fires.
type Handle struct {
	e *entry
}

// Service is the TimeoutService: a single ticker goroutine draining a
// deadline-ordered min-heap.
type Service struct {
	clock capability.Clock
	tick  time.Duration

	mu      sync.Mutex
	heap    entryHeap
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewService constructs a TimeoutService polling the heap every tick
// interval (small relative to the shortest deadline in use).
func NewService(clock capability.Clock, tick time.Duration) *Service {
	s := &Service{clock: clock, tick: tick, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	heap.Init(&s.heap)
	go s.run()
	return s
}

// Schedule registers a one-shot or recurring callback at deadline.
func (s *Service) Schedule(sessionID, commandID string, kind Kind, deadline time.Time, interval time.Duration, callback func(sessionID, commandID string, kind Kind)) *Handle {
	e := &entry{
		deadline:  deadline,
		sessionID: sessionID,
		commandID: commandID,
		kind:      kind,
		interval:  interval,
		callback:  callback,
	}
	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	return &Handle{e: e}
}

// After returns a channel that receives once when deadline passes, backed by
// the same heap as every other scheduled entry rather than a dedicated
// per-call timer. It is the TimeoutService equivalent of capability.Clock's
// After method, for callers (ProcessSession's command deadline) that just
// need a one-shot signal rather than a callback.
func (s *Service) After(deadline time.Time) <-chan time.Time {
	ch := make(chan time.Time, 1)
	s.Schedule("", "", KindTimeout, deadline, 0, func(string, string, Kind) {
		select {
		case ch <- s.clock.Now():
		default:
		}
	})
	return ch
}

// Cancel prevents a scheduled entry from firing, if it hasn't already.
func (s *Service) Cancel(h *Handle) {
	s.mu.Lock()
	h.e.cancelled = true
	s.mu.Unlock()
}

// Stop halts the ticker goroutine and waits for it to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(s.tick):
			s.drainDue()
		}
	}
}

func (s *Service) drainDue() {
	now := s.clock.Now()
	var due []*entry

	s.mu.Lock()
	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.deadline.After(now) {
			break
		}
		popped := heap.Pop(&s.heap).(*entry)
		if popped.cancelled {
			continue
		}
		due = append(due, popped)
		if popped.kind == KindHeartbeat && popped.interval > 0 {
			popped.deadline = now.Add(popped.interval)
			heap.Push(&s.heap, popped)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		e.callback(e.sessionID, e.commandID, e.kind)
	}
}
