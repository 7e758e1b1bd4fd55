package catalog

import (
	"context"
	"fmt"

	apperrors "github.com/pivora/pivora/internal/errors"
	"github.com/pivora/pivora/internal/formula"
	"github.com/pivora/pivora/pkg/types"
)

// Snapshot is an immutable point-in-time view of one fact table's catalog:
// metric and dimension definitions in display order, rollups in registration
// order, custom dimensions/metrics, and the compiled derived-metric
// formulas. A request works from a single snapshot throughout, so mid-flight
// catalog changes never produce mixed reads. Accessors return internal
// slices; callers must not mutate them.
type Snapshot struct {
	table string

	metrics     []*MetricDef
	metricsByID map[types.MetricID]*MetricDef

	dimensions     []*DimensionDef
	dimensionsByID map[types.DimensionID]*DimensionDef

	rollups []*Rollup

	customDimensions map[string]*CustomDimension
	customMetrics    map[types.MetricID]*CustomMetric

	compiled map[types.MetricID]*formula.Compiled
}

// NewSnapshot assembles a snapshot from already-loaded definitions and
// compiles every derived-metric formula, rejecting unknown references and
// cycles up front.
func NewSnapshot(table string, metrics []*MetricDef, dimensions []*DimensionDef,
	rollups []*Rollup, customDims []*CustomDimension, customMetrics []*CustomMetric) (*Snapshot, error) {

	s := &Snapshot{
		table:            table,
		metrics:          metrics,
		metricsByID:      make(map[types.MetricID]*MetricDef, len(metrics)),
		dimensions:       dimensions,
		dimensionsByID:   make(map[types.DimensionID]*DimensionDef, len(dimensions)),
		rollups:          rollups,
		customDimensions: make(map[string]*CustomDimension, len(customDims)),
		customMetrics:    make(map[types.MetricID]*CustomMetric, len(customMetrics)),
	}

	formulas := make(map[types.MetricID]string)
	for _, m := range metrics {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.metricsByID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate metric id %q", m.ID)
		}
		s.metricsByID[m.ID] = m
		if m.Category == CategoryDerived {
			formulas[m.ID] = m.Formula
		}
	}

	for _, d := range dimensions {
		if _, dup := s.dimensionsByID[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate dimension id %q", d.ID)
		}
		s.dimensionsByID[d.ID] = d
	}

	for _, cd := range customDims {
		if err := cd.Validate(); err != nil {
			return nil, err
		}
		s.customDimensions[cd.ID] = cd
	}
	for _, cm := range customMetrics {
		if err := cm.Validate(); err != nil {
			return nil, err
		}
		s.customMetrics[cm.ID] = cm
	}

	compiled, err := formula.CompileAll(formulas, func(id types.MetricID) bool {
		_, ok := s.metricsByID[id]
		return ok
	})
	if err != nil {
		return nil, err
	}
	s.compiled = compiled

	return s, nil
}

// LoadSnapshot reads all catalog metadata for a table from the store and
// assembles a snapshot.
func LoadSnapshot(ctx context.Context, store *Store, table string) (*Snapshot, error) {
	metrics, err := store.ListMetrics(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, apperrors.NewCatalogError(apperrors.CodeSchemaMissing,
			fmt.Sprintf("no metrics defined for table %q", table))
	}
	dimensions, err := store.ListDimensions(ctx, table)
	if err != nil {
		return nil, err
	}
	rollups, err := store.ListRollups(ctx, table)
	if err != nil {
		return nil, err
	}
	customDims, err := store.ListCustomDimensions(ctx, table)
	if err != nil {
		return nil, err
	}
	customMetrics, err := store.ListCustomMetrics(ctx, table)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(table, metrics, dimensions, rollups, customDims, customMetrics)
}

// Table returns the fact table this snapshot describes.
func (s *Snapshot) Table() string {
	return s.table
}

// Metric looks up a metric definition by id.
func (s *Snapshot) Metric(id types.MetricID) (*MetricDef, bool) {
	m, ok := s.metricsByID[id]
	return m, ok
}

// Metrics returns all metric definitions in catalog (display) order.
func (s *Snapshot) Metrics() []*MetricDef {
	return s.metrics
}

// Dimension looks up a dimension definition by id.
func (s *Snapshot) Dimension(id types.DimensionID) (*DimensionDef, bool) {
	d, ok := s.dimensionsByID[id]
	return d, ok
}

// Dimensions returns all dimension definitions in catalog order.
func (s *Snapshot) Dimensions() []*DimensionDef {
	return s.dimensions
}

// GroupableDimensions returns the ids of dimensions that may appear in a
// GROUP BY, in catalog order.
func (s *Snapshot) GroupableDimensions() []types.DimensionID {
	var out []types.DimensionID
	for _, d := range s.dimensions {
		if d.Groupable {
			out = append(out, d.ID)
		}
	}
	return out
}

// Rollups returns all rollups in registration order, regardless of status.
func (s *Snapshot) Rollups() []*Rollup {
	return s.rollups
}

// CustomDimension looks up a custom dimension by id.
func (s *Snapshot) CustomDimension(id string) (*CustomDimension, bool) {
	cd, ok := s.customDimensions[id]
	return cd, ok
}

// CustomMetric looks up a custom metric by id.
func (s *Snapshot) CustomMetric(id types.MetricID) (*CustomMetric, bool) {
	cm, ok := s.customMetrics[id]
	return cm, ok
}

// Compiled returns the compiled formula for a derived metric.
func (s *Snapshot) Compiled(id types.MetricID) (*formula.Compiled, bool) {
	c, ok := s.compiled[id]
	return c, ok
}

// CompiledFormulas returns every compiled derived-metric formula.
func (s *Snapshot) CompiledFormulas() map[types.MetricID]*formula.Compiled {
	return s.compiled
}

// VolumeClosure expands metric ids to the volume metrics they depend on,
// in first-seen order. Volume ids pass through; derived ids resolve through
// their formulas. Unknown ids are an error.
func (s *Snapshot) VolumeClosure(ids []types.MetricID) ([]types.MetricID, error) {
	for _, id := range ids {
		if _, ok := s.metricsByID[id]; !ok {
			return nil, apperrors.NewCatalogError(apperrors.CodeUnknownMetric,
				fmt.Sprintf("unknown metric %q", id))
		}
	}
	return formula.VolumeDeps(ids, s.compiled), nil
}

// IsDistinctLike reports whether the metric, or for derived metrics any
// volume metric it depends on, stores distinct counts that are unsafe to
// re-sum across an unplanned dimension.
func (s *Snapshot) IsDistinctLike(id types.MetricID) bool {
	def, ok := s.metricsByID[id]
	if !ok {
		return false
	}
	if def.IsVolume() {
		return def.IsDistinctLike()
	}
	for _, dep := range formula.VolumeDeps([]types.MetricID{id}, s.compiled) {
		if vol, ok := s.metricsByID[dep]; ok && vol.IsDistinctLike() {
			return true
		}
	}
	return false
}

// AnyDistinctLike reports whether any of the ids is distinct-like per
// IsDistinctLike.
func (s *Snapshot) AnyDistinctLike(ids []types.MetricID) bool {
	for _, id := range ids {
		if s.IsDistinctLike(id) {
			return true
		}
	}
	return false
}
