package gravity

import "sync"

// interactionList is the per-group scratch of a walk.
type interactionList struct {
	approx []int
	direct [][2]int
	stack  []int
}

func (l *interactionList) reset() {
	l.approx = l.approx[:0]
	l.direct = l.direct[:0]
	l.stack = l.stack[:0]
}

type listPool struct {
	pool sync.Pool
}

func newListPool() *listPool {
	return &listPool{
		pool: sync.Pool{
			New: func() interface{} {
				return &interactionList{
					approx: make([]int, 0, 256),
					direct: make([][2]int, 0, 64),
					stack:  make([]int, 0, 64),
				}
			},
		},
	}
}

func (p *listPool) Get() *interactionList {
	l := p.pool.Get().(*interactionList)
	l.reset()
	return l
}

func (p *listPool) Put(l *interactionList) {
	p.pool.Put(l)
}

var lists = newListPool()
