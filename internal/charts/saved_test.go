package charts

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/platform/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "charts", "saved.json"), logger.Nop())
}

func svgChart(datasetID string) model.SavedChart {
	return model.SavedChart{DatasetID: datasetID, Title: "preview", SVG: "<svg/>"}
}

func TestSaveAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	saved, err := s.Save(svgChart("ds_1"))
	require.NoError(t, err)
	assert.Len(t, saved.ID, 12)
	assert.False(t, saved.CreatedAt.IsZero())
}

func TestSaveValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(model.SavedChart{SVG: "<svg/>"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Save(model.SavedChart{DatasetID: "ds_1"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Save(model.SavedChart{DatasetID: "ds_1", SVG: "<svg/>", Vega: map[string]any{"mark": "bar"}})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = s.Save(model.SavedChart{DatasetID: "ds_1", Vega: map[string]any{"mark": "bar"}})
	assert.NoError(t, err)
}

func TestListNewestFirstWithFilter(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Save(model.SavedChart{DatasetID: "ds_a", SVG: fmt.Sprintf("<svg>%d</svg>", i)})
		require.NoError(t, err)
	}
	_, err := s.Save(svgChart("ds_b"))
	require.NoError(t, err)

	all := s.List("", 0)
	require.Len(t, all, 4)
	assert.Equal(t, "ds_b", all[0].DatasetID, "newest first")

	onlyA := s.List("ds_a", 0)
	assert.Len(t, onlyA, 3)
	assert.Equal(t, "<svg>2</svg>", onlyA[0].SVG)

	limited := s.List("ds_a", 2)
	assert.Len(t, limited, 2)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	saved, err := s.Save(svgChart("ds_1"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(saved.ID))
	assert.Empty(t, s.List("", 0))
	assert.ErrorIs(t, s.Delete(saved.ID), model.ErrNotFound)
}

func TestCapEvictsOldest(t *testing.T) {
	s := newTestStore(t)
	var first string
	for i := 0; i < maxSaved+5; i++ {
		saved, err := s.Save(svgChart("ds_1"))
		require.NoError(t, err)
		if i == 0 {
			first = saved.ID
		}
	}

	all := s.List("", 0)
	assert.Len(t, all, maxSaved)
	for _, c := range all {
		assert.NotEqual(t, first, c.ID)
	}
}

func TestCorruptFileReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	s := NewStore(path, logger.Nop())

	assert.Empty(t, s.List("", 0))
	_, err := s.Save(svgChart("ds_1"))
	require.NoError(t, err)
	assert.Len(t, s.List("", 0), 1)
}
