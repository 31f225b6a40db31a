package lifecycle

import "sync/atomic"

// Stats counts completed dispatches. Safe for concurrent use.
type Stats struct {
	handled atomic.Int64
	errors  atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RequestsHandled int64 `json:"requestsHandled"`
	Errors          int64 `json:"errors"`
}

func (s *Stats) record(ok bool) {
	s.handled.Add(1)
	if !ok {
		s.errors.Add(1)
	}
}

// Snapshot reads both counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RequestsHandled: s.handled.Load(),
		Errors:          s.errors.Load(),
	}
}
