package let

import (
	"errors"
	"fmt"
	"time"

	"github.com/wingkitlee0/Bonsai/internal/device"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

var ErrSlotState = errors.New("let: slot used out of order")

type SlotState int

const (
	Idle SlotState = iota
	Filling
	InUseByKernel
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Filling:
		return "filling"
	case InUseByKernel:
		return "in-use"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// Slot holds one received remote tree. A slot whose kernel may still be
// running is joined before it is refilled.
type Slot struct {
	name  string
	state SlotState
	buf   *device.Buffer[float64]
	src   *tree.Source

	start, done *device.Event
}

func NewSlot(name string) *Slot {
	return &Slot{
		name:  name,
		buf:   device.NewBuffer[float64](name, 0),
		start: device.NewEvent(),
		done:  device.NewEvent(),
	}
}

func (s *Slot) State() SlotState     { return s.state }
func (s *Slot) Source() *tree.Source { return s.src }

// Acquire moves the slot to Filling. If a kernel was issued on the slot it
// waits for it and returns that kernel's run time.
func (s *Slot) Acquire() (time.Duration, error) {
	var charged time.Duration
	switch s.state {
	case Filling:
		return 0, fmt.Errorf("%w: %s acquired twice", ErrSlotState, s.name)
	case InUseByKernel:
		s.done.Wait()
		d, err := device.Elapsed(s.start, s.done)
		if err != nil {
			return 0, err
		}
		charged = d
	}
	s.start.Reset()
	s.done.Reset()
	s.state = Filling
	return charged, nil
}

// Fill copies words to the device side of the slot on the copy stream and
// decodes it.
func (s *Slot) Fill(copyStream *device.Stream, words []float64) error {
	if s.state != Filling {
		return fmt.Errorf("%w: fill %s while %s", ErrSlotState, s.name, s.state)
	}
	s.buf.SetHost(words)
	if err := s.buf.H2D(copyStream, -1); err != nil {
		return err
	}
	s.buf.WaitForCopy()
	src, err := Decode(s.buf.Dev())
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.src = src
	return nil
}

// Launch queues kernel over the slot's tree on stream, bracketed by the
// slot's timing events.
func (s *Slot) Launch(stream *device.Stream, kernel func(*tree.Source) error) error {
	if s.state != Filling || s.src == nil {
		return fmt.Errorf("%w: launch %s while %s", ErrSlotState, s.name, s.state)
	}
	src := s.src
	if err := stream.Record(s.start); err != nil {
		return err
	}
	if err := stream.Launch("let:"+s.name, func() error { return kernel(src) }); err != nil {
		return err
	}
	if err := stream.Record(s.done); err != nil {
		return err
	}
	s.state = InUseByKernel
	return nil
}

// Release returns an unused Filling slot to Idle.
func (s *Slot) Release() {
	if s.state == Filling {
		s.state = Idle
	}
}
