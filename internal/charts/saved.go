// Package charts persists user-saved chart artifacts in a single JSON file.
package charts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/model"
)

// maxSaved caps the store; the oldest entries fall off the end.
const maxSaved = 200

type savedFile struct {
	Charts []model.SavedChart `json:"charts"`
}

// Store is a newest-first saved-charts collection backed by one JSON file.
// All operations serialise on a single lock; writes go through a temp file
// and rename.
type Store struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log.With().Str("component", "charts").Logger()}
}

// Save validates and stores a chart, assigning id and created_at. The chart
// must name its dataset and carry exactly one artifact.
func (s *Store) Save(chart model.SavedChart) (model.SavedChart, error) {
	if chart.DatasetID == "" {
		return model.SavedChart{}, fmt.Errorf("dataset_id is required: %w", model.ErrValidation)
	}
	hasSVG, hasVega := chart.SVG != "", len(chart.Vega) > 0
	if hasSVG == hasVega {
		return model.SavedChart{}, fmt.Errorf("exactly one of svg or vega is required: %w", model.ErrValidation)
	}

	chart.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	chart.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	charts := append([]model.SavedChart{chart}, s.loadLocked()...)
	if len(charts) > maxSaved {
		charts = charts[:maxSaved]
	}
	if err := s.persistLocked(charts); err != nil {
		return model.SavedChart{}, err
	}
	return chart, nil
}

// List returns saved charts newest first, optionally filtered by dataset.
// A positive limit truncates the result.
func (s *Store) List(datasetID string, limit int) []model.SavedChart {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.SavedChart
	for _, c := range s.loadLocked() {
		if datasetID != "" && c.DatasetID != datasetID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Delete removes a chart by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	charts := s.loadLocked()
	for i, c := range charts {
		if c.ID == id {
			return s.persistLocked(append(charts[:i], charts[i+1:]...))
		}
	}
	return fmt.Errorf("saved chart %s: %w", id, model.ErrNotFound)
}

// loadLocked reads the store file. A missing or corrupt file reads as empty;
// corruption is logged and the next save overwrites it.
func (s *Store) loadLocked() []model.SavedChart {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("failed to read saved charts")
		}
		return nil
	}
	var file savedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("saved charts file is corrupt, starting empty")
		return nil
	}
	return file.Charts
}

func (s *Store) persistLocked(charts []model.SavedChart) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create charts dir: %w", err)
	}
	data, err := json.MarshalIndent(savedFile{Charts: charts}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode saved charts: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write saved charts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace saved charts: %w", err)
	}
	return nil
}
