// Package metrics keeps lightweight in-memory aggregates for SLO monitoring
// plus an append-only JSONL event log.
package metrics

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/model"
)

// breakdownEvents are the event names summarised from the persisted log.
var breakdownEvents = []string{"ChartJobFinished", "ChartBatchFinished"}

// Summary is the in-memory aggregate for one event name.
type Summary struct {
	Count           int     `json:"count"`
	P95             float64 `json:"p95"`
	GroundednessMin float64 `json:"groundedness_min"`
}

// Breakdown is the outcome summary streamed from the event log.
type Breakdown struct {
	Total         int            `json:"total"`
	SuccessRate   float64        `json:"success_rate"`
	Failures      int            `json:"failures"`
	FailureByCode map[string]int `json:"failure_by_code"`
}

// Snapshot is a point-in-time read of all aggregates.
type Snapshot struct {
	Events    map[string]Summary   `json:"events"`
	Breakdown map[string]Breakdown `json:"breakdown"`
}

// Thresholds maps event name to metric thresholds, e.g.
// {"ChartJobFinished": {"p95": 2000, "groundedness": 0.9}}.
type Thresholds map[string]map[string]float64

// Violation carries the per-event threshold flags. Missing data evaluates to
// false.
type Violation struct {
	P95Exceeded       bool `json:"p95_exceeded"`
	GroundednessBelow bool `json:"groundedness_below"`
}

// Store aggregates event durations and groundedness scores in memory and
// appends events to a JSONL log. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	durations map[string][]float64
	grounded  map[string][]float64
	logPath   string
	log       zerolog.Logger
}

// NewStore creates a Store persisting to logPath.
func NewStore(logPath string, log zerolog.Logger) *Store {
	return &Store{
		durations: make(map[string][]float64),
		grounded:  make(map[string][]float64),
		logPath:   logPath,
		log:       log,
	}
}

// LogPath returns the event log location.
func (s *Store) LogPath() string { return s.logPath }

// Record updates the in-memory aggregates only.
func (s *Store) Record(ev model.Event) {
	if ev.Name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.DurationMs != nil {
		s.durations[ev.Name] = append(s.durations[ev.Name], *ev.DurationMs)
	}
	if ev.Groundedness != nil {
		s.grounded[ev.Name] = append(s.grounded[ev.Name], *ev.Groundedness)
	}
	// Touch the bucket so count-less events still appear in snapshots.
	if ev.DurationMs == nil && ev.Groundedness == nil {
		if _, ok := s.durations[ev.Name]; !ok {
			s.durations[ev.Name] = nil
		}
	}
}

// Persist appends one JSON line to the event log. Failures are swallowed with
// a log entry; the in-memory store is unaffected.
func (s *Store) Persist(ev model.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn().Err(err).Str("event", ev.Name).Msg("metrics persist: marshal failed")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		s.log.Warn().Err(err).Msg("metrics persist: mkdir failed")
		return
	}
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Msg("metrics persist: open failed")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("metrics persist: write failed")
	}
}

// Emit records and persists in one call; the scheduler's hot path.
func (s *Store) Emit(ev model.Event) {
	s.Record(ev)
	s.Persist(ev)
}

// Reset clears the in-memory aggregates. The event log is untouched.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = make(map[string][]float64)
	s.grounded = make(map[string][]float64)
}

// LoadEventLog reads the persisted log, skipping blank and corrupt lines.
func (s *Store) LoadEventLog() []model.Event {
	return LoadEventLog(s.logPath)
}

// LoadEventLog reads a JSONL event log from path.
func LoadEventLog(path string) []model.Event {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var events []model.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// BootstrapFromEvents resets the store and replays an event stream into it;
// used by offline checkers.
func (s *Store) BootstrapFromEvents(events []model.Event) {
	s.Reset()
	for _, ev := range events {
		if ev.Name == "" {
			continue
		}
		s.Record(ev)
	}
}

// Snapshot returns per-event summaries plus the outcome breakdown streamed
// from the event log.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	events := make(map[string]Summary, len(s.durations)+len(s.grounded))
	names := make(map[string]struct{}, len(s.durations)+len(s.grounded))
	for name := range s.durations {
		names[name] = struct{}{}
	}
	for name := range s.grounded {
		names[name] = struct{}{}
	}
	for name := range names {
		events[name] = summarize(s.durations[name], s.grounded[name])
	}
	s.mu.Unlock()

	return Snapshot{Events: events, Breakdown: s.statusBreakdown()}
}

func (s *Store) statusBreakdown() map[string]Breakdown {
	log := s.LoadEventLog()
	out := make(map[string]Breakdown, len(breakdownEvents))
	for _, name := range breakdownEvents {
		var total, ok, failures int
		byCode := make(map[string]int)
		for _, rec := range log {
			if rec.Name != name {
				continue
			}
			total++
			switch rec.Status {
			case "succeeded", "success", "ok":
				ok++
			case "failed", "error", "cancelled":
				failures++
				code := rec.ErrorCode
				if code == "" {
					code = "unknown"
				}
				byCode[code]++
			}
		}
		rate := 0.0
		if total > 0 {
			rate = math.Round(float64(ok)/float64(total)*1000) / 1000
		}
		out[name] = Breakdown{Total: total, SuccessRate: rate, Failures: failures, FailureByCode: byCode}
	}
	return out
}

// DetectViolations compares the snapshot against thresholds. Events with no
// recorded data never violate.
func (s *Store) DetectViolations(cfg Thresholds) map[string]Violation {
	snapshot := s.Snapshot().Events
	report := make(map[string]Violation, len(cfg))
	for name, thr := range cfg {
		summary, ok := snapshot[name]
		if !ok {
			summary = Summary{GroundednessMin: 1.0}
		}
		var v Violation
		if p95, has := thr["p95"]; has && summary.Count > 0 {
			v.P95Exceeded = summary.P95 > p95
		}
		if g, has := thr["groundedness"]; has && summary.Count > 0 {
			v.GroundednessBelow = summary.GroundednessMin < g
		}
		report[name] = v
	}
	return report
}

func summarize(durations, grounded []float64) Summary {
	count := len(durations)
	if count == 0 {
		count = len(grounded)
	}
	sum := Summary{Count: count, P95: 0.0, GroundednessMin: 1.0}
	if len(durations) > 0 {
		sum.P95 = percentile(durations, 0.95)
	}
	if len(grounded) > 0 {
		min := grounded[0]
		for _, g := range grounded[1:] {
			if g < min {
				min = g
			}
		}
		sum.GroundednessMin = min
	}
	return sum
}

// percentile interpolates linearly between the two order statistics
// bracketing the requested rank and rounds to integer milliseconds.
// Deterministic and streaming-free; fine for small in-process samples.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	if len(ordered) == 1 {
		return ordered[0]
	}
	pos := float64(len(ordered)-1) * p
	lower := int(math.Floor(pos))
	upper := lower + 1
	if upper > len(ordered)-1 {
		upper = len(ordered) - 1
	}
	frac := pos - float64(lower)
	return math.Round(ordered[lower] + (ordered[upper]-ordered[lower])*frac)
}
