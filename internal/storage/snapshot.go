package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

var ErrWriterClosed = errors.New("storage: snapshot writer closed")

// Snapshot is a fully corrected particle state at one time.
type Snapshot struct {
	Rank      int                `json:"rank"`
	Iteration int                `json:"iteration"`
	Time      float64            `json:"time"`
	Particles []particles.Record `json:"particles"`
}

// SnapshotWriter appends snapshots to a JSONL file in the background. At
// most one write is in flight; Write blocks until the previous one is done.
type SnapshotWriter struct {
	f  *os.File
	bw *bufio.Writer

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
}

func NewSnapshotWriter(path string) (*SnapshotWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &SnapshotWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// Busy reports whether a write is still in flight.
func (w *SnapshotWriter) Busy() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Wait blocks until the in-flight write finishes and returns the first
// write error seen.
func (w *SnapshotWriter) Wait() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Write hands snap to the background writer. The caller must not modify
// snap afterwards.
func (w *SnapshotWriter) Write(snap *Snapshot) error {
	if err := w.Wait(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		err := w.encode(snap)
		if err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
		}
	}()
	return nil
}

func (w *SnapshotWriter) encode(snap *Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *SnapshotWriter) Close() error {
	werr := w.Wait()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return werr
	}
	w.closed = true
	w.mu.Unlock()
	if err := w.f.Close(); err != nil && werr == nil {
		werr = err
	}
	return werr
}

// ReadSnapshots loads every snapshot of a JSONL file.
func ReadSnapshots(path string) ([]Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Snapshot
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var s Snapshot
		if err := dec.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
