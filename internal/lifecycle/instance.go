package lifecycle

import (
	"fmt"
	"sync"

	"github.com/mattjoyce/dgworker/internal/handler"
)

var transitions = map[handler.Status][]handler.Status{
	handler.StatusCreated:   {handler.StatusStarting, handler.StatusStopping},
	handler.StatusStarting:  {handler.StatusReady, handler.StatusFailed},
	handler.StatusReady:     {handler.StatusExecuting, handler.StatusStopping, handler.StatusFailed},
	handler.StatusExecuting: {handler.StatusStopping, handler.StatusFailed},
	handler.StatusStopping:  {handler.StatusStopped, handler.StatusFailed},
}

// Instance tracks one handler through a single dispatch.
type Instance struct {
	Handler    handler.Handler
	Identifier string
	DispatchID string

	mu       sync.Mutex
	status   handler.Status
	observer Observer
}

func newInstance(h handler.Handler, identifier, dispatchID string, obs Observer) *Instance {
	return &Instance{
		Handler:    h,
		Identifier: identifier,
		DispatchID: dispatchID,
		status:     handler.StatusCreated,
		observer:   obs,
	}
}

// Status returns the current lifecycle state.
func (i *Instance) Status() handler.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// to moves the instance to next if the transition is legal.
func (i *Instance) to(next handler.Status) error {
	i.mu.Lock()
	prev := i.status
	if !allowed(prev, next) {
		i.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", prev, next)
	}
	i.status = next
	i.mu.Unlock()

	if i.observer != nil {
		i.observer.Publish(EventTransition, TransitionEvent{
			DispatchID: i.DispatchID,
			Handler:    i.Identifier,
			From:       prev,
			To:         next,
		})
	}
	return nil
}

func (i *Instance) fail() {
	_ = i.to(handler.StatusFailed)
}

func allowed(from, to handler.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
