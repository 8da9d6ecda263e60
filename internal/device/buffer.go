package device

import "sync"

// Buffer is a device array with a host mirror. Copies between the two are
// issued on a stream and complete asynchronously; WaitForCopy blocks until
// the most recent copy has landed.
type Buffer[T any] struct {
	name string
	dev  []T
	host []T

	mu      sync.Mutex
	pending chan struct{}
}

func NewBuffer[T any](name string, n int) *Buffer[T] {
	return &Buffer[T]{name: name, dev: make([]T, n)}
}

// Wrap adopts an existing device slice without copying it.
func Wrap[T any](name string, dev []T) *Buffer[T] {
	return &Buffer[T]{name: name, dev: dev}
}

func (b *Buffer[T]) Name() string { return b.name }
func (b *Buffer[T]) Len() int     { return len(b.dev) }
func (b *Buffer[T]) Dev() []T     { return b.dev }

// Host returns the host mirror. Only valid after WaitForCopy.
func (b *Buffer[T]) Host() []T { return b.host }

// Attach points the buffer at a new device slice, e.g. after a rebuild.
func (b *Buffer[T]) Attach(dev []T) {
	b.WaitForCopy()
	b.dev = dev
}

// SetHost replaces the host mirror contents, growing it as needed.
func (b *Buffer[T]) SetHost(src []T) {
	b.WaitForCopy()
	b.host = grow(b.host, len(src))
	copy(b.host, src)
}

// D2H copies the first n device elements into the host mirror on s.
// A negative n copies the whole buffer.
func (b *Buffer[T]) D2H(s *Stream, n int) error {
	b.WaitForCopy()
	if n < 0 || n > len(b.dev) {
		n = len(b.dev)
	}
	b.host = grow(b.host, n)
	return b.issue(s, "d2h:"+b.name, func() {
		copy(b.host, b.dev[:n])
	})
}

// H2D copies the first n host elements to the device on s, growing the
// device array when it is too small.
func (b *Buffer[T]) H2D(s *Stream, n int) error {
	b.WaitForCopy()
	if n < 0 || n > len(b.host) {
		n = len(b.host)
	}
	b.dev = grow(b.dev, n)
	return b.issue(s, "h2d:"+b.name, func() {
		copy(b.dev[:n], b.host[:n])
	})
}

func (b *Buffer[T]) issue(s *Stream, name string, copyFn func()) error {
	done := make(chan struct{})
	b.mu.Lock()
	b.pending = done
	b.mu.Unlock()

	err := s.Launch(name, func() error {
		defer close(done)
		copyFn()
		return nil
	})
	if err != nil {
		close(done)
	}
	return err
}

// WaitForCopy blocks until the last issued copy has completed.
func (b *Buffer[T]) WaitForCopy() {
	b.mu.Lock()
	done := b.pending
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

func grow[T any](s []T, n int) []T {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]T, n)
}
