// Package progress keeps the client-side tally for an import run. The server
// never aggregates: whoever dispatches chunks owns the counters and folds
// each chunk's results in as they arrive.
package progress

import "github.com/subflow-platform/importer-api/internal/importer"

// Delta is the contribution of one chunk to the run counters.
type Delta struct {
	All      int
	Warnings int
	Failed   int
}

// RunState is the aggregate view of a run in flight. Merge is intentionally
// not idempotent: folding the same chunk twice counts its rows twice, so the
// dispatcher must replay stored results only once per chunk.
type RunState struct {
	TotalChunks     int
	ChunksCompleted int
	Passed          int
	Warned          int
	Failed          int
	TimedOut        bool
}

// NewRunState starts a tally for a planned run. A plan with zero chunks is
// already complete.
func NewRunState(totalChunks int) *RunState {
	return &RunState{TotalChunks: totalChunks}
}

// Reduce computes a single chunk's delta from its row results. A row counts
// once toward All, and additionally toward Warnings or Failed; a failed row
// with warnings counts in both buckets.
func Reduce(results []importer.RowResult) Delta {
	var d Delta
	for _, result := range results {
		d.All++
		if len(result.Warnings) > 0 {
			d.Warnings++
		}
		if result.Status == importer.StatusFailed {
			d.Failed++
		}
	}
	return d
}

// Merge folds one completed chunk into the run state.
func (s *RunState) Merge(d Delta) {
	s.ChunksCompleted++
	s.Passed += d.All - d.Failed
	s.Warned += d.Warnings
	s.Failed += d.Failed
}

// MarkTimedOut flags the run as abandoned mid-flight. Counters keep whatever
// was merged before the timeout.
func (s *RunState) MarkTimedOut() {
	s.TimedOut = true
}

// Complete reports whether every planned chunk has been merged. A timed-out
// run is never complete.
func (s *RunState) Complete() bool {
	return !s.TimedOut && s.ChunksCompleted >= s.TotalChunks
}

// Processed is the total number of rows folded in so far.
func (s *RunState) Processed() int {
	return s.Passed + s.Failed
}
