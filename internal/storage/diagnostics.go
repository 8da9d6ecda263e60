package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Diagnostic is one row of the per-step diagnostics table.
type Diagnostic struct {
	Iteration  int
	Time       float64
	Active     int64
	Kinetic    float64
	Potential  float64
	Total      float64
	DE         float64
	DDE        float64
	AvgApprox  float64
	AvgDirect  float64
	StepTime   float64
	GravLocal  float64
	GravRemote float64
}

var diagnosticsHeader = []string{
	"iter", "time", "active", "ekin", "epot", "etot", "de", "dde",
	"avg_approx", "avg_direct", "step_s", "grav_local_s", "grav_let_s",
}

// DiagnosticsWriter appends rows to a CSV file.
type DiagnosticsWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func NewDiagnosticsWriter(path string) (*DiagnosticsWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(diagnosticsHeader); err != nil {
		f.Close()
		return nil, err
	}
	return &DiagnosticsWriter{f: f, w: w}, nil
}

func (d *DiagnosticsWriter) Write(row Diagnostic) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', 12, 64) }
	rec := []string{
		strconv.Itoa(row.Iteration),
		ff(row.Time),
		strconv.FormatInt(row.Active, 10),
		ff(row.Kinetic),
		ff(row.Potential),
		ff(row.Total),
		ff(row.DE),
		ff(row.DDE),
		ff(row.AvgApprox),
		ff(row.AvgDirect),
		ff(row.StepTime),
		ff(row.GravLocal),
		ff(row.GravRemote),
	}
	if err := d.w.Write(rec); err != nil {
		return err
	}
	d.w.Flush()
	return d.w.Error()
}

func (d *DiagnosticsWriter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.w.Flush()
	if err := d.w.Error(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

func ReadDiagnostics(path string) ([]Diagnostic, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(diagnosticsHeader)

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []Diagnostic{}, nil
	}

	rows := make([]Diagnostic, 0, len(records)-1)
	for line, rec := range records[1:] {
		var v [13]float64
		for i, s := range rec {
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("storage: %s line %d: %w", path, line+2, err)
			}
			v[i] = x
		}
		rows = append(rows, Diagnostic{
			Iteration:  int(v[0]),
			Time:       v[1],
			Active:     int64(v[2]),
			Kinetic:    v[3],
			Potential:  v[4],
			Total:      v[5],
			DE:         v[6],
			DDE:        v[7],
			AvgApprox:  v[8],
			AvgDirect:  v[9],
			StepTime:   v[10],
			GravLocal:  v[11],
			GravRemote: v[12],
		})
	}
	return rows, nil
}
