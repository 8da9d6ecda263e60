// Package device models accelerator execution for the simulation core.
//
// Work is issued to ordered asynchronous [Stream]s. Operations queued on the
// same stream run in issue order on a dedicated goroutine; operations on
// different streams may overlap and are ordered only through [Stream.Sync]
// or by the caller waiting on a [Buffer] copy.
//
//	grav := device.NewStream("grav")
//	defer grav.Close()
//	grav.Record(start)
//	grav.Launch("walk", func() error { ... })
//	grav.Record(end)
//	if err := grav.Sync(); err != nil {
//	    // kernel failures are fatal for the run
//	}
//
// [Buffer] pairs a device slice with a host mirror that is refreshed on
// demand, and [Arena] hands out offset handles into one flat word buffer.
package device
