package sim

import (
	"fmt"
	"time"
)

// Phase names a timed part of a step.
type Phase int

const (
	PhasePredictCorrect Phase = iota
	PhaseDomainUpdate
	PhaseDomainExchange
	PhaseDomainWait
	PhaseBuild
	PhaseGravity
	PhaseLocalKernel
	PhaseRemoteKernel
	PhaseLETComm
	PhaseWait
	PhaseEnergy
	numPhases
)

var phaseNames = [numPhases]string{
	"predict_correct",
	"domain_update",
	"domain_exchange",
	"domain_wait",
	"build",
	"gravity",
	"gpu_local",
	"gpu_let",
	"let_comm",
	"wait",
	"energy",
}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Timer holds the duration of a phase in the last step and summed over
// the run.
type Timer struct {
	Last  time.Duration
	Total time.Duration
}

// IterationState is the bookkeeping of one rank's run.
type IterationState struct {
	Iteration int
	Timers    [numPhases]Timer

	NActSinceRebuild int64

	TCurrent  float64
	TPrevious float64

	NextSnapshot float64
	NextStats    float64

	// Slowest and mean step time over all ranks in the previous step.
	MaxExecPrev time.Duration
	AvgExecPrev time.Duration

	LastLocal time.Duration
	LastTotal time.Duration
}

func (s *IterationState) add(p Phase, d time.Duration) {
	s.Timers[p].Last += d
	s.Timers[p].Total += d
}

// clearLast zeroes the per-step durations before a new step.
func (s *IterationState) clearLast() {
	for i := range s.Timers {
		s.Timers[i].Last = 0
	}
}

// ResetTimers drops the accumulated totals.
func (s *IterationState) ResetTimers() {
	for i := range s.Timers {
		s.Timers[i] = Timer{}
	}
}

// Phases returns the last-step duration of every phase that ran.
func (s *IterationState) Phases() map[string]time.Duration {
	out := make(map[string]time.Duration, numPhases)
	for p, t := range s.Timers {
		if t.Last > 0 {
			out[Phase(p).String()] = t.Last
		}
	}
	return out
}

// Totals returns the accumulated duration of every phase.
func (s *IterationState) Totals() map[string]time.Duration {
	out := make(map[string]time.Duration, numPhases)
	for p, t := range s.Timers {
		out[Phase(p).String()] = t.Total
	}
	return out
}

// StepError is a fatal error raised in one phase of a step.
type StepError struct {
	Iter  int
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sim: iteration %d, %s: %v", e.Iter, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
