package particles

import "gonum.org/v1/gonum/spatial/r3"

// Record is the persistent state of one particle, the unit moved between
// ranks by domain decomposition and written to snapshots.
type Record struct {
	ID    uint64   `json:"id"`
	Order int      `json:"-"`
	Mass  float64  `json:"mass"`
	Pos   r3.Vec   `json:"pos"`
	Vel   r3.Vec   `json:"vel"`
	PPos  r3.Vec   `json:"-"`
	PVel  r3.Vec   `json:"-"`
	Acc   r3.Vec   `json:"-"`
	Pot   float64  `json:"pot"`
	Time  Interval `json:"-"`
	H     float64  `json:"h,omitempty"`
}

// Records extracts the listed particles, or all of them when idx is nil.
func (s *Set) Records(idx []int) []Record {
	if idx == nil {
		out := make([]Record, s.Len())
		for i := range out {
			out[i] = s.record(i)
		}
		return out
	}
	out := make([]Record, len(idx))
	for k, i := range idx {
		out[k] = s.record(i)
	}
	return out
}

func (s *Set) record(i int) Record {
	return Record{
		ID:    s.ID[i],
		Order: s.Order[i],
		Mass:  s.Mass[i],
		Pos:   s.Pos[i],
		Vel:   s.Vel[i],
		PPos:  s.PPos[i],
		PVel:  s.PVel[i],
		Acc:   s.Acc0[i],
		Pot:   s.Pot[i],
		Time:  s.Time[i],
		H:     s.H[i],
	}
}

// Append adds particles, keeping their predicted state so that particles
// moved between ranks mid-step stay consistent. Force accumulators and SPH
// derived values are zeroed.
func (s *Set) Append(recs []Record) {
	n := s.Len()
	s.resize(n + len(recs))
	for k, r := range recs {
		i := n + k
		s.ID[i] = r.ID
		s.Order[i] = r.Order
		s.Mass[i] = r.Mass
		s.Pos[i] = r.Pos
		s.Vel[i] = r.Vel
		s.Acc0[i] = r.Acc
		s.Pot[i] = r.Pot
		s.Time[i] = r.Time
		s.H[i] = r.H
		s.PPos[i] = r.PPos
		s.PVel[i] = r.PVel
		s.Acc1[i] = r3.Vec{}
		s.Pot1[i] = 0
		s.Interactions[i] = Interactions{}
		s.Density[i] = 0
		s.Pressure[i] = 0
		s.Neighbours[i] = 0
	}
}

// FromRecords builds a new set holding recs.
func FromRecords(recs []Record) *Set {
	s := &Set{}
	s.Append(recs)
	return s
}
