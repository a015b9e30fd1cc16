package batch

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/command"
)

func cmds(texts ...string) []*command.Command {
	out := make([]*command.Command, len(texts))
	for i, t := range texts {
		out[i] = &command.Command{ID: "cmd-s-" + strconv.Itoa(i+1), Text: t}
	}
	return out
}

func nextID(n *int) func() string {
	return func() string {
		*n++
		return "cmd-s-batch-" + strconv.Itoa(*n)
	}
}

func TestBatchCommands_MergesWithinBounds(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, ExcludePrefixes: []string{"!analyze"}, Separator: "<<<SEP>>>"})
	n := 0
	b, rest, err := p.BatchCommands("s1", cmds("lm", "dt", "kL", "r"), nextID(&n))
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Len(t, b.SourceIDs, 4)
	require.Equal(t, "lm\n<<<SEP>>>\ndt\n<<<SEP>>>\nkL\n<<<SEP>>>\nr", b.MergedText("<<<SEP>>>"))
}

func TestBatchCommands_TooFewPassesThrough(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"})
	n := 0
	b, rest, err := p.BatchCommands("s1", cmds("lm"), nextID(&n))
	require.NoError(t, err)
	require.Nil(t, b)
	require.Len(t, rest, 1)
}

func TestBatchCommands_ExcludedPrefixStopsAtBoundary(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, ExcludePrefixes: []string{"!analyze"}, Separator: "<<<SEP>>>"})
	n := 0
	b, rest, err := p.BatchCommands("s1", cmds("lm", "dt", "!analyze -v"), nextID(&n))
	require.NoError(t, err)
	require.Len(t, b.SourceIDs, 2)
	require.Len(t, rest, 1)
	require.Equal(t, "!analyze -v", rest[0].Text)
}

func TestUnbatchResults_RoundTrip(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"})
	n := 0
	b, _, err := p.BatchCommands("s1", cmds("lm", "dt"), nextID(&n))
	require.NoError(t, err)

	aggregated := "output for lm\n<<<SEP>>>\noutput for dt"
	results, err := p.UnbatchResults(b, aggregated)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, b.SourceIDs[0], results[0].CommandID)
	require.Contains(t, results[0].Output, "output for lm")
	require.Equal(t, b.SourceIDs[1], results[1].CommandID)
	require.Contains(t, results[1].Output, "output for dt")
}

func TestUnbatchResults_MismatchReported(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"})
	n := 0
	b, _, err := p.BatchCommands("s1", cmds("lm", "dt"), nextID(&n))
	require.NoError(t, err)

	_, err = p.UnbatchResults(b, "only one part")
	require.ErrorIs(t, err, ErrBatchUnbatchMismatch)
}

func TestGetBatchCommandID_ClearedOnSessionClose(t *testing.T) {
	p := NewProcessor(Config{MinBatch: 2, MaxBatch: 5, Separator: "<<<SEP>>>"})
	n := 0
	b, _, err := p.BatchCommands("s1", cmds("lm", "dt"), nextID(&n))
	require.NoError(t, err)
	require.Equal(t, b.BatchID, p.GetBatchCommandID("s1", b.SourceIDs[0]))

	p.ClearSessionBatchMappings("s1")
	require.Equal(t, "", p.GetBatchCommandID("s1", b.SourceIDs[0]))
}
