package let

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/device"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

var ErrCorrupt = errors.New("let: corrupt buffer")

const (
	headerWords  = 5
	bodyStride   = 4
	boxStride    = 6
	centreStride = 5
	poleStride   = 11
)

// Encode flattens sel into one buffer.
func Encode(sel *Selection) ([]float64, error) {
	np, nn := len(sel.Pos), len(sel.Nodes)
	arena := device.NewArena(headerWords + np*bodyStride + nn*(boxStride+centreStride+poleStride))

	header, err := arena.Alloc(1, headerWords)
	if err != nil {
		return nil, err
	}
	bodies, err := arena.Alloc(np, bodyStride)
	if err != nil {
		return nil, err
	}
	boxes, err := arena.Alloc(nn, boxStride)
	if err != nil {
		return nil, err
	}
	centres, err := arena.Alloc(nn, centreStride)
	if err != nil {
		return nil, err
	}
	poles, err := arena.Alloc(nn, poleStride)
	if err != nil {
		return nil, err
	}

	h := arena.Slice(header)
	h[0], h[1], h[2] = float64(np), float64(nn), float64(boxes.Offset)
	if nn > 0 {
		h[3], h[4] = 0, 1
	}

	b := arena.Slice(bodies)
	for i, p := range sel.Pos {
		w := b[i*bodyStride:]
		w[0], w[1], w[2], w[3] = p.X, p.Y, p.Z, sel.Mass[i]
	}

	bx, ce, po := arena.Slice(boxes), arena.Slice(centres), arena.Slice(poles)
	for i, nd := range sel.Nodes {
		w := bx[i*boxStride:]
		w[0], w[1], w[2] = nd.HalfSize.X, nd.HalfSize.Y, nd.HalfSize.Z
		w[3], w[4], w[5] = float64(nd.FirstChild), float64(nd.NChild), float64(nd.Level)

		w = ce[i*centreStride:]
		w[0], w[1], w[2] = nd.Center.X, nd.Center.Y, nd.Center.Z
		w[3], w[4] = float64(nd.Begin), float64(nd.End)

		p := sel.Poles[i]
		w = po[i*poleStride:]
		w[0], w[1], w[2], w[3] = p.Mass, p.COM.X, p.COM.Y, p.COM.Z
		copy(w[4:10], p.Quad[:])
		w[10] = p.OpenR2
	}
	return arena.Used(), nil
}

func count(x float64, what string) (int, error) {
	if x < 0 || x != math.Trunc(x) || x > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s = %g", ErrCorrupt, what, x)
	}
	return int(x), nil
}

// Decode views buf as a walkable remote tree. The returned source owns
// fresh slices and does not alias buf.
func Decode(buf []float64) (*tree.Source, error) {
	if len(buf) < headerWords {
		return nil, fmt.Errorf("%w: %d words", ErrCorrupt, len(buf))
	}
	np, err := count(buf[0], "particle count")
	if err != nil {
		return nil, err
	}
	nn, err := count(buf[1], "node count")
	if err != nil {
		return nil, err
	}
	nodeOffset, err := count(buf[2], "node offset")
	if err != nil {
		return nil, err
	}
	if nodeOffset != headerWords+np*bodyStride {
		return nil, fmt.Errorf("%w: node offset %d", ErrCorrupt, nodeOffset)
	}
	if want := nodeOffset + nn*(boxStride+centreStride+poleStride); len(buf) != want {
		return nil, fmt.Errorf("%w: %d words, want %d", ErrCorrupt, len(buf), want)
	}

	arena := device.Adopt(buf)
	bodies := device.Span{Offset: headerWords, Count: np, Stride: bodyStride}
	boxes := device.Span{Offset: nodeOffset, Count: nn, Stride: boxStride}
	centres := device.Span{Offset: boxes.End(), Count: nn, Stride: centreStride}
	poles := device.Span{Offset: centres.End(), Count: nn, Stride: poleStride}

	src := &tree.Source{
		Pos:   make([]r3.Vec, np),
		Mass:  make([]float64, np),
		Nodes: make([]tree.Node, nn),
		Poles: make([]tree.Multipole, nn),
	}
	if nn > 0 {
		src.TopBegin, src.TopEnd = int(buf[3]), int(buf[4])
		if src.TopBegin < 0 || src.TopEnd > nn || src.TopBegin > src.TopEnd {
			return nil, fmt.Errorf("%w: top range [%d,%d)", ErrCorrupt, src.TopBegin, src.TopEnd)
		}
	}

	b := arena.Slice(bodies)
	for i := range src.Pos {
		w := b[i*bodyStride:]
		src.Pos[i] = r3.Vec{X: w[0], Y: w[1], Z: w[2]}
		src.Mass[i] = w[3]
	}

	bx, ce, po := arena.Slice(boxes), arena.Slice(centres), arena.Slice(poles)
	for i := range src.Nodes {
		w := bx[i*boxStride:]
		nd := tree.Node{
			HalfSize:   r3.Vec{X: w[0], Y: w[1], Z: w[2]},
			FirstChild: int(w[3]),
			NChild:     int(w[4]),
			Level:      int(w[5]),
		}
		w = ce[i*centreStride:]
		nd.Center = r3.Vec{X: w[0], Y: w[1], Z: w[2]}
		nd.Begin, nd.End = int(w[3]), int(w[4])

		if nd.NChild > 0 && (nd.FirstChild <= i || nd.FirstChild+nd.NChild > nn) {
			return nil, fmt.Errorf("%w: node %d children [%d,+%d)", ErrCorrupt, i, nd.FirstChild, nd.NChild)
		}
		if nd.Begin < 0 || nd.End > np || nd.Begin > nd.End {
			return nil, fmt.Errorf("%w: node %d bodies [%d,%d)", ErrCorrupt, i, nd.Begin, nd.End)
		}
		src.Nodes[i] = nd

		w = po[i*poleStride:]
		p := tree.Multipole{Mass: w[0], COM: r3.Vec{X: w[1], Y: w[2], Z: w[3]}, OpenR2: w[10]}
		copy(p.Quad[:], w[4:10])
		src.Poles[i] = p
	}
	return src, nil
}
