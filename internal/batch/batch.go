// Package batch merges compatible queued commands into one synthesized
// command to reduce per-command round-trip overhead, and splits the
// aggregated output back into per-command results. Grounded loosely on the
// teacher's scheduler drain loop (internal/orchestrator/scheduler.go
// processTasks), adapted from concurrency-limiting to batch-compatibility
// grouping.
package batch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/engineerr"
)

// ErrBatchUnbatchMismatch is reported when the aggregated output does not
// split into exactly as many parts as source commands.
var ErrBatchUnbatchMismatch = engineerr.ErrBatchUnbatchMismatch

// Config controls batch eligibility.
type Config struct {
	MinBatch        int
	MaxBatch        int
	ExcludePrefixes []string
	Separator       string
}

// Batch records one merge: the synthesized command's id, the source ids in
// order, and the session it belongs to.
type Batch struct {
	SessionID   string
	BatchID     string
	SourceIDs   []string
	SourceTexts []string
	Separator   string
}

// Processor implements the BatchProcessor component.
type Processor struct {
	cfg Config

	mu       sync.Mutex
	mappings map[string]map[string]string // sessionID -> sourceID -> batchID
}

func NewProcessor(cfg Config) *Processor {
	return &Processor{cfg: cfg, mappings: make(map[string]map[string]string)}
}

// eligible reports whether text may participate in a batch.
func (p *Processor) eligible(text string) bool {
	for _, prefix := range p.cfg.ExcludePrefixes {
		if strings.HasPrefix(strings.TrimSpace(text), prefix) {
			return false
		}
	}
	return true
}

// BatchCommands groups a prefix of queued commands into one Batch when the
// count falls within [MinBatch, MaxBatch] and every candidate is eligible;
// it stops at the first ineligible command, batching only the eligible
// prefix before it. newBatchID is supplied by the caller (the queue owns
// id assignment via its per-session counter).
func (p *Processor) BatchCommands(sessionID string, commands []*command.Command, newBatchID func() string) (*Batch, []*command.Command, error) {
	if len(commands) == 0 {
		return nil, nil, nil
	}

	var eligible []*command.Command
	var rest []*command.Command
	for i, c := range commands {
		if p.eligible(c.Text) {
			eligible = append(eligible, c)
			continue
		}
		rest = commands[i:]
		break
	}

	if len(eligible) > p.cfg.MaxBatch {
		rest = append(append([]*command.Command{}, eligible[p.cfg.MaxBatch:]...), rest...)
		eligible = eligible[:p.cfg.MaxBatch]
	}

	if len(eligible) < p.cfg.MinBatch {
		return nil, commands, nil
	}

	ids := make([]string, 0, len(eligible))
	texts := make([]string, 0, len(eligible))
	for _, c := range eligible {
		ids = append(ids, c.ID)
		texts = append(texts, c.Text)
	}

	batchID := newBatchID()
	p.mu.Lock()
	if p.mappings[sessionID] == nil {
		p.mappings[sessionID] = make(map[string]string)
	}
	for _, id := range ids {
		p.mappings[sessionID][id] = batchID
	}
	p.mu.Unlock()

	for _, c := range eligible {
		c.BatchCommandID = batchID
	}

	b := &Batch{SessionID: sessionID, BatchID: batchID, SourceIDs: ids, SourceTexts: texts, Separator: p.cfg.Separator}
	return b, rest, nil
}

// MergedText is the synthesized command text: source texts joined by a
// newline-bracketed CommandSeparator, preserving input order.
func (b *Batch) MergedText(separator string) string {
	return strings.Join(b.SourceTexts, "\n"+separator+"\n")
}

// UnbatchResults splits aggregated output on the configured separator and
// re-pairs each slice with its source command id in order. A split count
// that does not match the source count is reported as a mismatch; callers
// must mark every source command Failed in that case.
func (p *Processor) UnbatchResults(b *Batch, aggregatedOutput string) ([]command.Result, error) {
	parts := strings.Split(aggregatedOutput, b.separatorLine())
	if len(parts) != len(b.SourceIDs) {
		return nil, fmt.Errorf("%w: expected %d parts, got %d", ErrBatchUnbatchMismatch, len(b.SourceIDs), len(parts))
	}
	results := make([]command.Result, len(b.SourceIDs))
	for i, id := range b.SourceIDs {
		results[i] = command.Result{CommandID: id, Output: strings.TrimSpace(parts[i])}
	}
	return results, nil
}

func (b *Batch) separatorLine() string {
	return b.Separator
}

// GetBatchCommandID returns the batch id a source command was absorbed
// into, or "" if it was never batched.
func (p *Processor) GetBatchCommandID(sessionID, sourceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.mappings[sessionID]; ok {
		return m[sourceID]
	}
	return ""
}

// ClearSessionBatchMappings discards all batch id mappings for a session,
// called when the session closes.
func (p *Processor) ClearSessionBatchMappings(sessionID string) {
	p.mu.Lock()
	delete(p.mappings, sessionID)
	p.mu.Unlock()
}
