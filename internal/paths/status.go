package paths

import "sync/atomic"

// Status tracks the per-run progress of a single path.
type Status struct {
	prepared atomic.Bool
	skipped  atomic.Bool
	resume   atomic.Bool
	canceled atomic.Bool
	complete atomic.Bool
	current  atomic.Int64
}

func (s *Status) IsPrepared() bool   { return s.prepared.Load() }
func (s *Status) SetPrepared(v bool) { s.prepared.Store(v) }
func (s *Status) IsSkipped() bool    { return s.skipped.Load() }
func (s *Status) SetSkipped(v bool)  { s.skipped.Store(v) }
func (s *Status) IsResume() bool     { return s.resume.Load() }
func (s *Status) SetResume(v bool)   { s.resume.Store(v) }
func (s *Status) IsCanceled() bool   { return s.canceled.Load() }
func (s *Status) SetCanceled()       { s.canceled.Store(true) }
func (s *Status) IsComplete() bool   { return s.complete.Load() }
func (s *Status) SetComplete(v bool) { s.complete.Store(v) }
func (s *Status) Current() int64     { return s.current.Load() }
func (s *Status) SetCurrent(n int64) { s.current.Store(n) }
func (s *Status) AddCurrent(n int64) { s.current.Add(n) }

// Reset clears the transient state before a byte transfer starts. The
// resume flag and offset survive so a prepared resume is honored.
func (s *Status) Reset() {
	s.canceled.Store(false)
	s.complete.Store(false)
}
