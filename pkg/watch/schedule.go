package watch

import (
	"sync"
	"time"
)

// Schedule is the program's begin/end window (spec §3), updated in
// place whenever a `schedule` frame arrives.
type Schedule struct {
	mu    sync.RWMutex
	Begin time.Time
	End   time.Time
}

func (s *Schedule) set(begin, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Begin = begin
	s.End = end
}

// Get returns a copy of the current schedule.
func (s *Schedule) Get() Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Schedule{Begin: s.Begin, End: s.End}
}
