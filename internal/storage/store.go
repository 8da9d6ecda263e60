package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wingkitlee0/Bonsai/internal/config"
)

const (
	metadataFile    = "metadata.json"
	diagnosticsFile = "diagnostics.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string             `json:"id"`
	Preset     string             `json:"preset,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Seed       int64              `json:"seed"`
	Bodies     int                `json:"bodies"`
	Ranks      int                `json:"ranks"`
	Backend    string             `json:"backend"`
	Config     *config.Config     `json:"config"`
	Iterations int                `json:"iterations"`
	FinalTime  float64            `json:"final_time"`
	WallTime   float64            `json:"wall_seconds"`
	Metrics    map[string]float64 `json:"metrics"`
}

// Run is an open run directory.
type Run struct {
	store *Store
	meta  RunMetadata
	dir   string
}

// Create makes a new run directory and writes its initial metadata.
func (s *Store) Create(meta RunMetadata) (*Run, error) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	if meta.ID == "" {
		name := meta.Preset
		if name == "" {
			name = "run"
		}
		meta.ID = fmt.Sprintf("%s_%d", name, meta.Timestamp.UnixNano())
	}
	dir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := &Run{store: s, meta: meta, dir: dir}
	return r, r.writeMeta()
}

func (r *Run) ID() string  { return r.meta.ID }
func (r *Run) Dir() string { return r.dir }

func (r *Run) Path(name string) string { return filepath.Join(r.dir, name) }

func (r *Run) DiagnosticsPath() string { return r.Path(diagnosticsFile) }

// SnapshotPath is the JSONL snapshot stream of one rank.
func (r *Run) SnapshotPath(rank int) string {
	return r.Path(fmt.Sprintf("snapshots_r%d.jsonl", rank))
}

// Finish records the outcome of the run.
func (r *Run) Finish(iterations int, finalTime float64, wall time.Duration, metrics map[string]float64) error {
	r.meta.Iterations = iterations
	r.meta.FinalTime = finalTime
	r.meta.WallTime = wall.Seconds()
	r.meta.Metrics = metrics
	return r.writeMeta()
}

func (r *Run) writeMeta() error {
	metaFile, err := os.Create(r.Path(metadataFile))
	if err != nil {
		return err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	return enc.Encode(r.meta)
}

// List returns every run, newest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	metaPath := filepath.Join(s.baseDir, runID, metadataFile)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func (s *Store) LoadDiagnostics(runID string) ([]Diagnostic, error) {
	return ReadDiagnostics(filepath.Join(s.baseDir, runID, diagnosticsFile))
}
