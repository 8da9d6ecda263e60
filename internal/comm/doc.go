// Package comm connects the ranks of an in-process process group.
//
// Every rank runs on its own goroutine and owns a [Comm]. Ranks share no
// mutable state: the only way data crosses between them is through the
// collectives below, which every rank must call in the same order.
//
//	g := comm.NewGroup(4)
//	c := g.Comm(rank)
//	total, err := c.AllReduceFloat64(ctx, []float64{local}, comm.Sum)
//
// Each ordered pair of ranks has a FIFO mailbox. Messages carry the kind of
// collective and a per-rank sequence number; a receiver that finds a
// different collective at the head of its mailbox fails with
// [ErrCollectiveMismatch], which is fatal for the whole group.
package comm
