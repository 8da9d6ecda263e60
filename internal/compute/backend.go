package compute

import "gonum.org/v1/gonum/spatial/r3"

// DirectArgs describes one O(n²) gravity launch. Targets receive
// accelerations from every source; when the targets are a sub-slice of the
// sources, SelfOffset gives the source index of Targets[0] so self pairs
// are skipped. Use SelfOffset < 0 when the two sets are disjoint.
type DirectArgs struct {
	Targets    []r3.Vec
	Active     []int
	Sources    []r3.Vec
	Masses     []float64
	SelfOffset int
	Eps2       float64

	Acc    []r3.Vec
	Pot    []float64
	Direct []int64
}

type Backend interface {
	Name() string
	Available() bool
	Workers() int
	ParallelFor(n, minChunk int, fn func(start, end int))
	NBodyForces(args DirectArgs)
	Cleanup()
}

var activeBackend Backend

func init() {
	// Auto-select best available backend (CUDA if available, else CPU)
	activeBackend = AutoSelectBackend()
}

func SetBackend(b Backend) {
	if activeBackend != nil {
		activeBackend.Cleanup()
	}
	activeBackend = b
}

func GetBackend() Backend {
	return activeBackend
}

func AutoSelectBackend() Backend {
	cuda := NewCUDABackend()
	if cuda.Available() {
		return cuda
	}
	return NewCPUBackend()
}
