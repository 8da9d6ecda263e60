// Package compute provides the execution backends behind the force kernels.
//
// The package automatically selects the best available backend:
//
//   - CUDA: placeholder only, never available since no device kernels are linked
//   - CPU: worker pool that runs every launch
//
// # Kernels
//
// Backends expose a chunked ParallelFor used by the tree-walk kernels and a
// softened direct-summation kernel:
//
//	backend := compute.GetBackend()
//	backend.NBodyForces(compute.DirectArgs{
//	    Targets: ppos, Sources: ppos, Masses: mass,
//	    SelfOffset: 0, Eps2: eps2, Acc: acc, Pot: pot,
//	})
//
// Accelerations and potentials are accumulated, never overwritten, so
// several launches may contribute to the same output arrays.
package compute
