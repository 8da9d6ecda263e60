package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/wingkitlee0/Bonsai/internal/metrics"
	"github.com/wingkitlee0/Bonsai/internal/sim"
)

func step(rank, iter int, de float64) StepMsg {
	return StepMsg(sim.StepReport{
		Rank:      rank,
		Iteration: iter,
		Time:      float64(iter) * 0.01,
		Local:     500,
		Drift:     metrics.Drift{Energies: metrics.Energies{Kinetic: 0.1, Potential: -0.6}, DE: de},
		MaxStep:   3 * time.Millisecond,
		Phases:    map[string]time.Duration{"gravity": time.Millisecond, "build": 2 * time.Millisecond},
	})
}

func TestModelCollectsReports(t *testing.T) {
	var m tea.Model = NewModel("cube", 2)
	for i := 0; i < 5; i++ {
		m, _ = m.Update(step(0, i, 1e-6*float64(i)))
		m, _ = m.Update(step(1, i, 1e-6*float64(i)))
	}
	lm := m.(Model)
	assert.Len(t, lm.drift, 5)
	assert.Equal(t, 4, lm.ranks[1].Iteration)

	view := lm.View()
	assert.Contains(t, view, "cube")
	assert.Contains(t, view, "|de|")
	assert.Contains(t, view, "build")
}

func TestModelPauseAndDone(t *testing.T) {
	var m tea.Model = NewModel("run", 1)
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	m, _ = m.Update(step(0, 1, 0))
	assert.Empty(t, m.(Model).drift)

	boom := errors.New("rank 1 failed")
	m, _ = m.Update(DoneMsg{Err: boom})
	assert.ErrorIs(t, m.(Model).Err(), boom)
	assert.True(t, strings.Contains(m.View(), "failed"))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.NotNil(t, cmd)
}

func TestHistoryBounded(t *testing.T) {
	var h []float64
	for i := 0; i < historyLen+10; i++ {
		h = push(h, float64(i))
	}
	assert.Len(t, h, historyLen)
	assert.Equal(t, 10.0, h[0])
}
