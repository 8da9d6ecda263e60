package compute

// CUDABackend stands in for a GPU backend in builds without device kernels.
// It never reports itself available and forwards every launch to the CPU
// backend, so AutoSelectBackend always settles on the CPU.
type CUDABackend struct {
	cpu *CPUBackend
}

func NewCUDABackend() *CUDABackend {
	return &CUDABackend{cpu: NewCPUBackend()}
}

func (c *CUDABackend) Name() string    { return "cuda (not available)" }
func (c *CUDABackend) Available() bool { return false }
func (c *CUDABackend) Workers() int    { return c.cpu.Workers() }
func (c *CUDABackend) Cleanup()        {}

func (c *CUDABackend) ParallelFor(n, minChunk int, fn func(start, end int)) {
	c.cpu.ParallelFor(n, minChunk, fn)
}

func (c *CUDABackend) NBodyForces(args DirectArgs) {
	c.cpu.NBodyForces(args)
}
