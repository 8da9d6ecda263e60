package device

import (
	"sync"
	"time"
)

// Event is a timestamp recorded by a stream when it reaches the event.
type Event struct {
	mu       sync.Mutex
	at       time.Time
	recorded bool
	reached  chan struct{}
}

func NewEvent() *Event { return &Event{reached: make(chan struct{})} }

func (e *Event) record() {
	e.mu.Lock()
	e.at = time.Now()
	if !e.recorded {
		close(e.reached)
	}
	e.recorded = true
	e.mu.Unlock()
}

func (e *Event) Reset() {
	e.mu.Lock()
	if e.recorded {
		e.reached = make(chan struct{})
	}
	e.recorded = false
	e.mu.Unlock()
}

func (e *Event) Recorded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}

// Wait blocks until the event has been recorded.
func (e *Event) Wait() {
	e.mu.Lock()
	ch := e.reached
	e.mu.Unlock()
	<-ch
}

// Elapsed returns the stream time between two recorded events.
func Elapsed(start, end *Event) (time.Duration, error) {
	start.mu.Lock()
	a, okA := start.at, start.recorded
	start.mu.Unlock()
	end.mu.Lock()
	b, okB := end.at, end.recorded
	end.mu.Unlock()
	if !okA || !okB {
		return 0, ErrEventNotRecorded
	}
	return b.Sub(a), nil
}
