package reactor

import (
	"sync"

	"github.com/hazyhaar/webtex/webtex/internal/schedule"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

type event interface{ isEvent() }

type (
	evBatch   struct{ b mutation.Batch }
	evFire    struct{ f schedule.Fire }
	evPrefs   struct{}
	evVisible struct{ visible bool }
	evToggle  struct {
		msg   toggle.Message
		reply chan error
	}
)

func (evBatch) isEvent()   {}
func (evFire) isEvent()    {}
func (evPrefs) isEvent()   {}
func (evVisible) isEvent() {}
func (evToggle) isEvent()  {}

// inbox is an unbounded FIFO. push never blocks, so host callbacks may post
// from any goroutine, including the reactor's own.
type inbox struct {
	mu   sync.Mutex
	q    []event
	wake chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (in *inbox) push(e event) {
	in.mu.Lock()
	in.q = append(in.q, e)
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbox) drain() []event {
	in.mu.Lock()
	q := in.q
	in.q = nil
	in.mu.Unlock()
	return q
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.q)
}
