package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStreamClosed is returned when work is issued after Close.
	ErrStreamClosed = errors.New("device: stream closed")

	// ErrEventNotRecorded is returned when timing an event the stream never reached.
	ErrEventNotRecorded = errors.New("device: event not recorded")
)

const queueDepth = 256

// An op with always set runs even after an earlier failure on the stream.
type op struct {
	name   string
	fn     func() error
	done   chan struct{}
	always bool
}

// Stream is an ordered asynchronous execution channel.
type Stream struct {
	name string
	ops  chan op

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	finished chan struct{}
}

func NewStream(name string) *Stream {
	s := &Stream{
		name:     name,
		ops:      make(chan op, queueDepth),
		finished: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) Name() string { return s.name }

func (s *Stream) loop() {
	defer close(s.finished)
	for o := range s.ops {
		if o.fn != nil && (o.always || s.Err() == nil) {
			if err := o.fn(); err != nil {
				s.errMu.Lock()
				s.err = fmt.Errorf("%s/%s: %w", s.name, o.name, err)
				s.errMu.Unlock()
			}
		}
		if o.done != nil {
			close(o.done)
		}
	}
}

func (s *Stream) enqueue(o op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrStreamClosed, s.name)
	}
	s.ops <- o
	return nil
}

// Launch queues fn behind all previously issued work. Once an operation on
// the stream has failed, later launches are skipped and the failure is
// reported by Sync. Event records still run.
func (s *Stream) Launch(name string, fn func() error) error {
	return s.enqueue(op{name: name, fn: fn})
}

// Record marks ev with the time at which the stream reaches this point.
func (s *Stream) Record(ev *Event) error {
	return s.enqueue(op{name: "record", always: true, fn: func() error {
		ev.record()
		return nil
	}})
}

// Sync blocks until every operation issued so far has completed.
func (s *Stream) Sync() error {
	done := make(chan struct{})
	if err := s.enqueue(op{name: "sync", done: done}); err != nil {
		return err
	}
	<-done
	return s.Err()
}

// Err returns the first kernel failure seen on the stream.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close drains the queue and stops the stream goroutine. It is safe to call
// more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.finished
		return
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.finished
}
