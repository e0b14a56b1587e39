package backfill

import (
	"sync/atomic"
	"time"
)

// RunStats summarises a run. Processed counts documents whose embedding was
// written; Errors counts every other outcome.
type RunStats struct {
	Total     int64
	Processed int64
	Errors    int64
	Batches   int
	Elapsed   time.Duration
}

// Remaining is how many of the documents counted at start were neither
// written nor failed.
func (s RunStats) Remaining() int64 {
	if r := s.Total - s.Processed - s.Errors; r > 0 {
		return r
	}
	return 0
}

// Stats holds the per-document counters shared by all workers of a run.
type Stats struct {
	processed atomic.Int64
	errors    atomic.Int64
}

func (s *Stats) success() { s.processed.Add(1) }
func (s *Stats) failure() { s.errors.Add(1) }

func (s *Stats) Processed() int64 { return s.processed.Load() }
func (s *Stats) Errors() int64    { return s.errors.Load() }
