package compute

import (
	"math"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestParallelForCoversRange(t *testing.T) {
	c := NewCPUBackendWorkers(4)

	for _, n := range []int{0, 1, 7, 100, 1001} {
		var hits = make([]int32, n)
		c.ParallelFor(n, 8, func(start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}

func TestAutoSelectFallsBackToCPU(t *testing.T) {
	cuda := NewCUDABackend()
	if cuda.Available() {
		t.Fatal("no device kernels are linked, CUDA must not be available")
	}
	if cuda.Workers() != NewCPUBackend().Workers() {
		t.Errorf("CUDA placeholder should report the CPU worker count, got %d", cuda.Workers())
	}
	if b := AutoSelectBackend(); b.Name() != "cpu" {
		t.Errorf("expected cpu backend, got %s", b.Name())
	}
}

func TestNBodyForcesTwoBody(t *testing.T) {
	c := NewCPUBackendWorkers(2)
	pos := []r3.Vec{{X: 0}, {X: 1}}
	mass := []float64{1, 2}
	acc := make([]r3.Vec, 2)
	pot := make([]float64, 2)
	direct := make([]int64, 2)

	c.NBodyForces(DirectArgs{
		Targets: pos, Sources: pos, Masses: mass,
		SelfOffset: 0, Eps2: 0, Acc: acc, Pot: pot, Direct: direct,
	})

	if math.Abs(acc[0].X-2) > 1e-12 || math.Abs(acc[1].X+1) > 1e-12 {
		t.Errorf("unexpected accelerations %v", acc)
	}
	if math.Abs(pot[0]+2) > 1e-12 || math.Abs(pot[1]+1) > 1e-12 {
		t.Errorf("unexpected potentials %v", pot)
	}
	if direct[0] != 1 || direct[1] != 1 {
		t.Errorf("expected one interaction each, got %v", direct)
	}
}

func TestNBodyForcesSoftenedSelf(t *testing.T) {
	c := NewCPUBackendWorkers(1)
	pos := []r3.Vec{{}, {}}
	acc := make([]r3.Vec, 2)

	c.NBodyForces(DirectArgs{
		Targets: pos, Sources: pos, Masses: []float64{1, 1},
		SelfOffset: 0, Eps2: 1e-4, Acc: acc,
	})

	for i, a := range acc {
		if math.IsNaN(a.X) || math.IsInf(a.X, 0) || a != (r3.Vec{}) {
			t.Errorf("coincident softened pair %d should give zero force, got %v", i, a)
		}
	}
}

func TestNBodyForcesAccumulates(t *testing.T) {
	c := NewCPUBackendWorkers(1)
	targets := []r3.Vec{{}}
	acc := []r3.Vec{{X: 5}}

	c.NBodyForces(DirectArgs{
		Targets: targets, Sources: []r3.Vec{{X: 1}}, Masses: []float64{1},
		SelfOffset: -1, Acc: acc,
	})

	if math.Abs(acc[0].X-6) > 1e-12 {
		t.Errorf("expected accumulation onto prior value, got %v", acc[0])
	}
}

func BenchmarkNBodyForces1k(b *testing.B) {
	c := NewCPUBackend()
	n := 1000
	pos := make([]r3.Vec, n)
	mass := make([]float64, n)
	for i := range pos {
		pos[i] = r3.Vec{X: float64(i%10) * 0.1, Y: float64(i/10%10) * 0.1, Z: float64(i/100) * 0.1}
		mass[i] = 1.0 / float64(n)
	}
	acc := make([]r3.Vec, n)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.NBodyForces(DirectArgs{Targets: pos, Sources: pos, Masses: mass, Eps2: 1e-4, Acc: acc})
	}
}
