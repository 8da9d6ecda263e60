package storage

import (
	"encoding/json"
	"io"
	"os"
)

type ExportData struct {
	Run         *RunMetadata `json:"run"`
	Steps       int          `json:"steps"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Export writes a run and its diagnostics as one JSON document.
func (s *Store) Export(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	rows, err := s.LoadDiagnostics(runID)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ExportData{Run: meta, Steps: len(rows), Diagnostics: rows})
}

func (s *Store) ExportFile(path, runID string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return s.Export(file, runID)
}
