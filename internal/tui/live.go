// Package tui renders a running simulation in the terminal.
package tui

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/wingkitlee0/Bonsai/internal/sim"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))

	panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444466")).
		Padding(0, 1)
)

const historyLen = 240

// StepMsg carries one rank's report into the program.
type StepMsg sim.StepReport

// DoneMsg ends the run; Err is nil on success.
type DoneMsg struct{ Err error }

type Model struct {
	title string
	ranks []sim.StepReport

	drift    []float64
	stepTime []float64
	started  time.Time
	paused   bool

	done bool
	err  error

	width  int
	height int
}

func NewModel(title string, ranks int) Model {
	return Model{
		title:   title,
		ranks:   make([]sim.StepReport, ranks),
		started: time.Now(),
		width:   100,
		height:  30,
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Err() error { return m.err }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case StepMsg:
		r := sim.StepReport(msg)
		if r.Rank >= 0 && r.Rank < len(m.ranks) {
			m.ranks[r.Rank] = r
		}
		if r.Rank == 0 && !m.paused {
			m.drift = push(m.drift, math.Abs(r.Drift.DE))
			m.stepTime = push(m.stepTime, r.MaxStep.Seconds()*1e3)
		}
		return m, nil
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, nil
	}
	return m, nil
}

func push(h []float64, v float64) []float64 {
	h = append(h, v)
	if len(h) > historyLen {
		h = h[len(h)-historyLen:]
	}
	return h
}

func (m Model) View() string {
	var b strings.Builder
	r0 := m.ranks[0]

	status := green.Render("running")
	switch {
	case m.err != nil:
		status = red.Render("failed: " + m.err.Error())
	case m.done:
		status = cyan.Render("finished")
	case m.paused:
		status = yellow.Render("paused")
	}
	b.WriteString(fmt.Sprintf(" %s  %s  %s\n\n", magenta.Bold(true).Render(m.title), status,
		dim.Render(time.Since(m.started).Round(time.Second).String())))

	b.WriteString(fmt.Sprintf(" %s %s   %s %s   %s %s\n",
		dim.Render("iter"), white.Render(fmt.Sprintf("%d", r0.Iteration)),
		dim.Render("t"), white.Render(fmt.Sprintf("%.5f", r0.Time)),
		dim.Render("dt"), white.Render(fmt.Sprintf("%.2e", r0.Dt))))
	b.WriteString(fmt.Sprintf(" %s %s   %s %s   %s %s\n",
		dim.Render("E"), cyan.Render(fmt.Sprintf("%.8f", r0.Drift.Total())),
		dim.Render("de"), driftStyle(r0.Drift.DE).Render(fmt.Sprintf("%+.3e", r0.Drift.DE)),
		dim.Render("dde"), driftStyle(r0.Drift.DDE).Render(fmt.Sprintf("%+.3e", r0.Drift.DDE))))
	b.WriteString(fmt.Sprintf(" %s %s   %s %s   %s %s\n\n",
		dim.Render("active"), white.Render(fmt.Sprintf("%d", r0.Interactions.Active)),
		dim.Render("approx/p"), white.Render(fmt.Sprintf("%.1f", r0.Interactions.AvgApprox())),
		dim.Render("direct/p"), white.Render(fmt.Sprintf("%.1f", r0.Interactions.AvgDirect()))))

	b.WriteString(panel.Render(m.rankTable()) + "\n")

	plotW := max(20, min(m.width-12, historyLen))
	if len(m.drift) > 1 {
		b.WriteString(asciigraph.Plot(m.drift,
			asciigraph.Height(6),
			asciigraph.Width(plotW),
			asciigraph.Precision(2),
			asciigraph.Caption("|de|")) + "\n\n")
	}
	if len(m.stepTime) > 1 {
		b.WriteString(asciigraph.Plot(m.stepTime,
			asciigraph.Height(4),
			asciigraph.Width(plotW),
			asciigraph.Caption("slowest rank step (ms)")) + "\n")
	}

	b.WriteString("\n" + dim.Render(" space pause plots  q quit") + "\n")
	return b.String()
}

func (m Model) rankTable() string {
	var b strings.Builder
	b.WriteString(dim.Render(fmt.Sprintf("%-5s %9s %8s %10s %10s %10s", "rank", "local", "active", "step", "gpu_local", "gpu_let")))
	for _, r := range m.ranks {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-5d %9d %8d %10s %10s %10s",
			r.Rank, r.Local, r.Active,
			r.StepTime.Round(time.Microsecond),
			r.Phases["gpu_local"].Round(time.Microsecond),
			r.Phases["gpu_let"].Round(time.Microsecond)))
	}
	if phases := slowest(m.ranks[0].Phases, 3); phases != "" {
		b.WriteString("\n" + dim.Render("rank 0 top phases: "+phases))
	}
	return b.String()
}

func slowest(p map[string]time.Duration, n int) string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return p[names[i]] > p[names[j]] })
	if len(names) > n {
		names = names[:n]
	}
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s %s", k, p[k].Round(time.Microsecond))
	}
	return strings.Join(parts, ", ")
}

func driftStyle(v float64) lipgloss.Style {
	switch a := math.Abs(v); {
	case a < 1e-4:
		return green
	case a < 1e-2:
		return yellow
	}
	return red
}

// Run shows the live view while start runs. start receives the callback
// to publish reports with and its error ends the view.
func Run(title string, ranks int, start func(onStep func(sim.StepReport)) error) error {
	p := tea.NewProgram(NewModel(title, ranks), tea.WithAltScreen())

	go func() {
		err := start(func(r sim.StepReport) { p.Send(StepMsg(r)) })
		p.Send(DoneMsg{Err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok {
		return m.Err()
	}
	return nil
}
