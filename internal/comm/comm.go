package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrCollectiveMismatch means two ranks issued different collectives
	// at the same point of their sequence.
	ErrCollectiveMismatch = errors.New("comm: collective mismatch")

	ErrBadRank    = errors.New("comm: rank out of range")
	ErrBadPayload = errors.New("comm: payload count does not match group size")
)

const mailboxDepth = 16

type kind uint8

const (
	kindBarrier kind = iota + 1
	kindAllReduce
	kindAllGather
	kindAllToAll
)

func (k kind) String() string {
	switch k {
	case kindBarrier:
		return "barrier"
	case kindAllReduce:
		return "allreduce"
	case kindAllGather:
		return "allgather"
	case kindAllToAll:
		return "alltoall"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type message struct {
	kind    kind
	seq     uint64
	from    int
	payload any
}

// Op is a reduction operator.
type Op int

const (
	Sum Op = iota
	Min
	Max
)

// Group is a fixed set of ranks joined by pairwise mailboxes.
type Group struct {
	size int
	// boxes[src][dst]
	boxes [][]chan message
}

func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	boxes := make([][]chan message, size)
	for src := range boxes {
		boxes[src] = make([]chan message, size)
		for dst := range boxes[src] {
			boxes[src][dst] = make(chan message, mailboxDepth)
		}
	}
	return &Group{size: size, boxes: boxes}
}

func (g *Group) Size() int { return g.size }

// Comm returns the endpoint for rank. Each endpoint must be used by a
// single goroutine.
func (g *Group) Comm(rank int) *Comm {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", rank, g.size))
	}
	return &Comm{g: g, rank: rank}
}

// Local returns a single-rank communicator.
func Local() *Comm {
	return NewGroup(1).Comm(0)
}

type Comm struct {
	g    *Group
	rank int
	seq  uint64
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.g.size }

// exchange sends out[dst] to every rank and returns what every rank sent
// to this one, indexed by source rank. Payloads are handed over, not
// copied; the sender must not modify them afterwards.
func (c *Comm) exchange(ctx context.Context, k kind, out []any) ([]any, error) {
	c.seq++
	seq := c.seq
	n := c.g.size
	in := make([]any, n)
	in[c.rank] = out[c.rank]
	if n == 1 {
		return in, nil
	}

	for dst := 0; dst < n; dst++ {
		if dst == c.rank {
			continue
		}
		msg := message{kind: k, seq: seq, from: c.rank, payload: out[dst]}
		select {
		case c.g.boxes[c.rank][dst] <- msg:
		case <-ctx.Done():
			return nil, fmt.Errorf("comm: rank %d %s send to %d: %w", c.rank, k, dst, ctx.Err())
		}
	}

	for src := 0; src < n; src++ {
		if src == c.rank {
			continue
		}
		select {
		case msg := <-c.g.boxes[src][c.rank]:
			if msg.kind != k || msg.seq != seq {
				return nil, fmt.Errorf("%w: rank %d expected %s #%d from %d, got %s #%d",
					ErrCollectiveMismatch, c.rank, k, seq, src, msg.kind, msg.seq)
			}
			in[src] = msg.payload
		case <-ctx.Done():
			return nil, fmt.Errorf("comm: rank %d %s recv from %d: %w", c.rank, k, src, ctx.Err())
		}
	}
	return in, nil
}

func (c *Comm) broadcast(v any) []any {
	out := make([]any, c.g.size)
	for i := range out {
		out[i] = v
	}
	return out
}

// Barrier returns once every rank has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, kindBarrier, make([]any, c.g.size))
	return err
}

// AllReduceFloat64 combines v element-wise across ranks. Contributions are
// folded in rank order so every rank sees bit-identical results.
func (c *Comm) AllReduceFloat64(ctx context.Context, v []float64, op Op) ([]float64, error) {
	mine := append([]float64(nil), v...)
	in, err := c.exchange(ctx, kindAllReduce, c.broadcast(mine))
	if err != nil {
		return nil, err
	}
	res := append([]float64(nil), in[0].([]float64)...)
	for src := 1; src < len(in); src++ {
		other := in[src].([]float64)
		if len(other) != len(res) {
			return nil, fmt.Errorf("%w: allreduce length %d from rank %d, want %d",
				ErrCollectiveMismatch, len(other), src, len(res))
		}
		for i, x := range other {
			res[i] = reduce(op, res[i], x)
		}
	}
	return res, nil
}

// AllReduceInt is AllReduceFloat64 for counters.
func (c *Comm) AllReduceInt(ctx context.Context, v []int64, op Op) ([]int64, error) {
	mine := append([]int64(nil), v...)
	in, err := c.exchange(ctx, kindAllReduce, c.broadcast(mine))
	if err != nil {
		return nil, err
	}
	res := append([]int64(nil), in[0].([]int64)...)
	for src := 1; src < len(in); src++ {
		other := in[src].([]int64)
		if len(other) != len(res) {
			return nil, fmt.Errorf("%w: allreduce length %d from rank %d, want %d",
				ErrCollectiveMismatch, len(other), src, len(res))
		}
		for i, x := range other {
			switch op {
			case Sum:
				res[i] += x
			case Min:
				res[i] = min(res[i], x)
			case Max:
				res[i] = max(res[i], x)
			}
		}
	}
	return res, nil
}

func reduce(op Op, a, b float64) float64 {
	switch op {
	case Min:
		return math.Min(a, b)
	case Max:
		return math.Max(a, b)
	default:
		return a + b
	}
}

// AllGather returns every rank's v indexed by rank.
func (c *Comm) AllGather(ctx context.Context, v any) ([]any, error) {
	return c.exchange(ctx, kindAllGather, c.broadcast(v))
}

// AllToAll sends out[r] to rank r and returns the values received,
// indexed by source rank.
func (c *Comm) AllToAll(ctx context.Context, out []any) ([]any, error) {
	if len(out) != c.g.size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadPayload, len(out), c.g.size)
	}
	return c.exchange(ctx, kindAllToAll, out)
}

// Gather is a typed AllGather.
func Gather[T any](ctx context.Context, c *Comm, v T) ([]T, error) {
	in, err := c.AllGather(ctx, v)
	if err != nil {
		return nil, err
	}
	res := make([]T, len(in))
	for i, x := range in {
		res[i] = x.(T)
	}
	return res, nil
}

// Scatter is a typed AllToAll.
func Scatter[T any](ctx context.Context, c *Comm, out []T) ([]T, error) {
	boxed := make([]any, len(out))
	for i, x := range out {
		boxed[i] = x
	}
	in, err := c.AllToAll(ctx, boxed)
	if err != nil {
		return nil, err
	}
	res := make([]T, len(in))
	for i, x := range in {
		res[i] = x.(T)
	}
	return res, nil
}
