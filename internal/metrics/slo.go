package metrics

// DefaultThresholds are the stock SLO targets; overridable per event via
// configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		"EDAReportGenerated": {"p95": 10000, "groundedness": 0.9},
		"EDAQueryAnswered":   {"p95": 4000, "groundedness": 0.8},
		"ChartJobFinished":   {"p95": 15000},
	}
}

// MergeThresholds overlays per-event overrides onto base. Override metrics
// replace the whole entry for that event.
func MergeThresholds(base Thresholds, overrides map[string]map[string]float64) Thresholds {
	merged := make(Thresholds, len(base)+len(overrides))
	for name, thr := range base {
		merged[name] = thr
	}
	for name, thr := range overrides {
		merged[name] = thr
	}
	return merged
}

// SLOReport bundles thresholds, snapshot and violations for the read-only
// SLO surface.
type SLOReport struct {
	Thresholds Thresholds           `json:"slo_thresholds"`
	Snapshot   Snapshot             `json:"snapshot"`
	Violations map[string]Violation `json:"violations"`
	EventLog   string               `json:"event_log"`
}

// Report evaluates cfg against the store and packages the result.
func (s *Store) Report(cfg Thresholds) SLOReport {
	return SLOReport{
		Thresholds: cfg,
		Snapshot:   s.Snapshot(),
		Violations: s.DetectViolations(cfg),
		EventLog:   s.logPath,
	}
}

// HasViolation reports whether any flag in the report is raised.
func (r SLOReport) HasViolation() bool {
	for _, v := range r.Violations {
		if v.P95Exceeded || v.GroundednessBelow {
			return true
		}
	}
	return false
}
