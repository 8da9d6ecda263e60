package let

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/device"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

type Options struct {
	CutoffLevel int
	MaxBoxes    int
}

// Stats describes one exchange as seen by this rank.
type Stats struct {
	NodesSent     int
	BodiesSent    int
	NodesReceived int
	Bodies        int
	Words         int
	Waited        time.Duration
}

// Exchanger runs the LET protocol for one rank.
type Exchanger struct {
	c       *comm.Comm
	let     *device.Stream
	copies  *device.Stream
	opts    Options
	log     *logrus.Entry
	slots   [][2]*Slot
	parity  int
	cost    []time.Duration
	remotes []*tree.Source
}

func NewExchanger(c *comm.Comm, let, copyStream *device.Stream, opts Options, log *logrus.Entry) *Exchanger {
	n := c.Size()
	x := &Exchanger{
		c:       c,
		let:     let,
		copies:  copyStream,
		opts:    opts,
		log:     log,
		slots:   make([][2]*Slot, n),
		cost:    make([]time.Duration, n),
		remotes: make([]*tree.Source, n),
	}
	for p := range x.slots {
		for k := range x.slots[p] {
			x.slots[p][k] = NewSlot(fmt.Sprintf("r%d-p%d-%d", c.Rank(), p, k))
		}
	}
	return x
}

// Exchange sends every peer the part of t it needs and launches kernel on
// grav for each remote tree received. It returns once all remote kernels
// are queued; the caller syncs grav.
func (x *Exchanger) Exchange(ctx context.Context, t *tree.Tree, set *particles.Set, grav *device.Stream, kernel func(*tree.Source) error) (Stats, error) {
	var st Stats
	rank, size := x.c.Rank(), x.c.Size()
	for p := range x.remotes {
		x.remotes[p] = nil
	}

	desc := Describe(t, x.opts.MaxBoxes)
	peers, err := comm.Gather(ctx, x.c, desc)
	if err != nil {
		return st, fmt.Errorf("let: descriptors: %w", err)
	}

	out := make([][]float64, size)
	err = x.let.Launch("let:build", func() error {
		for p := 0; p < size; p++ {
			if p == rank || len(peers[p]) == 0 {
				continue
			}
			sel := Select(t, set, peers[p], x.opts.CutoffLevel)
			if len(sel.Nodes) == 0 {
				continue
			}
			buf, err := Encode(sel)
			if err != nil {
				return err
			}
			out[p] = buf
			st.NodesSent += len(sel.Nodes)
			st.BodiesSent += len(sel.Pos)
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	if err := x.let.Sync(); err != nil {
		return st, err
	}

	in, err := comm.Scatter(ctx, x.c, out)
	if err != nil {
		return st, fmt.Errorf("let: exchange: %w", err)
	}

	for p := 0; p < size; p++ {
		if p == rank || len(in[p]) == 0 {
			continue
		}
		slot := x.slots[p][x.parity]
		waited, err := slot.Acquire()
		if err != nil {
			return st, err
		}
		x.cost[p] += waited
		st.Waited += waited

		if err := slot.Fill(x.copies, in[p]); err != nil {
			slot.Release()
			return st, err
		}
		if err := slot.Launch(grav, kernel); err != nil {
			return st, err
		}
		src := slot.Source()
		x.remotes[p] = src
		st.NodesReceived += len(src.Nodes)
		st.Bodies += len(src.Pos)
		st.Words += len(in[p])
	}
	x.parity ^= 1

	if x.log != nil {
		x.log.WithFields(logrus.Fields{
			"sent_nodes": st.NodesSent,
			"recv_nodes": st.NodesReceived,
			"recv_words": st.Words,
		}).Debug("let exchanged")
	}
	return st, nil
}

// Remote returns the tree received from peer in the last exchange.
func (x *Exchanger) Remote(peer int) *tree.Source { return x.remotes[peer] }

// Cost returns the remote kernel time charged per peer since the last call
// and clears it.
func (x *Exchanger) Cost() []time.Duration {
	c := append([]time.Duration(nil), x.cost...)
	clear(x.cost)
	return c
}

// Drain joins every in-flight slot, charging its time.
func (x *Exchanger) Drain() error {
	for p := range x.slots {
		for _, s := range x.slots[p] {
			if s.State() != InUseByKernel {
				continue
			}
			waited, err := s.Acquire()
			if err != nil {
				return err
			}
			x.cost[p] += waited
			s.Release()
		}
	}
	return nil
}

// Bounds returns the union of a descriptor's boxes.
func Bounds(desc []r3.Box) r3.Box {
	b := particles.BoundsOf(nil)
	for _, d := range desc {
		b = tree.Union(b, d)
	}
	return b
}
