package compute

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

type CPUBackend struct {
	workers int
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		workers: runtime.NumCPU(),
	}
}

// NewCPUBackendWorkers pins the worker count, mostly for tests and benches.
func NewCPUBackendWorkers(n int) *CPUBackend {
	if n < 1 {
		n = 1
	}
	return &CPUBackend{workers: n}
}

func (c *CPUBackend) Name() string    { return "cpu" }
func (c *CPUBackend) Available() bool { return true }
func (c *CPUBackend) Workers() int    { return c.workers }
func (c *CPUBackend) Cleanup()        {}

// ParallelFor executes fn over [0, n) split into at most Workers chunks of
// at least minChunk items.
func (c *CPUBackend) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	workers := c.workers
	if n/minChunk < workers {
		workers = n / minChunk
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

func (c *CPUBackend) NBodyForces(args DirectArgs) {
	n := len(args.Targets)
	if args.Active != nil {
		n = len(args.Active)
	}
	c.ParallelFor(n, 16, func(start, end int) {
		for k := start; k < end; k++ {
			i := k
			if args.Active != nil {
				i = args.Active[k]
			}
			c.nbodyOne(args, i)
		}
	})
}

func (c *CPUBackend) nbodyOne(args DirectArgs, i int) {
	xi := args.Targets[i]
	self := -1
	if args.SelfOffset >= 0 {
		self = args.SelfOffset + i
	}

	var ax, ay, az, phi float64
	for j, xj := range args.Sources {
		if j == self {
			continue
		}

		rx := xj.X - xi.X
		ry := xj.Y - xi.Y
		rz := xj.Z - xi.Z
		r2 := rx*rx + ry*ry + rz*rz + args.Eps2

		rInv := 1.0 / math.Sqrt(r2)
		mrInv := args.Masses[j] * rInv
		mr3Inv := mrInv * rInv * rInv

		ax += mr3Inv * rx
		ay += mr3Inv * ry
		az += mr3Inv * rz
		phi -= mrInv
	}

	args.Acc[i] = r3.Add(args.Acc[i], r3.Vec{X: ax, Y: ay, Z: az})
	if args.Pot != nil {
		args.Pot[i] += phi
	}
	if args.Direct != nil {
		count := int64(len(args.Sources))
		if self >= 0 {
			count--
		}
		args.Direct[i] += count
	}
}
