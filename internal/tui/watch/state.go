package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/dgworker/internal/api"
	"github.com/mattjoyce/dgworker/internal/events"
	"github.com/mattjoyce/dgworker/internal/lifecycle"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// HealthState tracks worker health from /healthz polling.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

// HandlerState aggregates the events seen for one handler identifier.
type HandlerState struct {
	Handler     string
	Status      string
	Transitions int
	Dispatches  int
	Failures    int
	LastError   string
	LastMs      float64
	LastSeen    time.Time
}

type handlerStates map[string]*HandlerState

func (s handlerStates) get(name string) *HandlerState {
	st, ok := s[name]
	if !ok {
		st = &HandlerState{Handler: name}
		s[name] = st
	}
	return st
}

// apply folds a lifecycle event into the per-handler state. Events of
// other types, or with undecodable data, are ignored.
func (s handlerStates) apply(e events.Event) {
	switch e.Type {
	case lifecycle.EventTransition:
		var t lifecycle.TransitionEvent
		if err := json.Unmarshal(e.Data, &t); err != nil || t.Handler == "" {
			return
		}
		st := s.get(t.Handler)
		st.Status = string(t.To)
		st.Transitions++
		st.LastSeen = e.At

	case lifecycle.EventCompleted:
		var c lifecycle.CompletedEvent
		if err := json.Unmarshal(e.Data, &c); err != nil || c.Handler == "" {
			return
		}
		st := s.get(c.Handler)
		st.Dispatches++
		st.LastMs = c.ExecutionTimeMs
		st.LastSeen = e.At
		if c.Status != protocol.StatusSuccess {
			st.Failures++
			st.LastError = c.ErrorCode
		}
	}
}

// sorted returns the handlers ordered by name.
func (s handlerStates) sorted() []*HandlerState {
	out := make([]*HandlerState, 0, len(s))
	for _, st := range s {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handler < out[j].Handler })
	return out
}
