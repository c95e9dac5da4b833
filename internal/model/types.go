package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a chart job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// JobStage is the sub-phase of a running job.
type JobStage string

const (
	StageGenerating JobStage = "generating"
	StageRendering  JobStage = "rendering"
	StageDone       JobStage = "done"
)

// ErrorKind is the closed taxonomy of job failure codes.
type ErrorKind string

const (
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindCancelled       ErrorKind = "cancelled"
	ErrKindForbiddenImport ErrorKind = "forbidden_import"
	ErrKindFormat          ErrorKind = "format_error"
	ErrKindUnknown         ErrorKind = "unknown"
)

// NormalizeErrorKind coerces any unrecognised code to unknown.
func NormalizeErrorKind(k ErrorKind) ErrorKind {
	switch k {
	case ErrKindTimeout, ErrKindCancelled, ErrKindForbiddenImport, ErrKindFormat:
		return k
	default:
		return ErrKindUnknown
	}
}

// ChartKind is the chart-kind hint accepted on submit.
type ChartKind string

const (
	ChartBar     ChartKind = "bar"
	ChartLine    ChartKind = "line"
	ChartScatter ChartKind = "scatter"
)

// NormalizeChartKind coerces invalid hints to bar.
func NormalizeChartKind(hint string) ChartKind {
	switch ChartKind(hint) {
	case ChartLine:
		return ChartLine
	case ChartScatter:
		return ChartScatter
	default:
		return ChartBar
	}
}

// ChartRequest is one submit item.
type ChartRequest struct {
	DatasetID string   `json:"dataset_id"`
	SpecHint  string   `json:"spec_hint,omitempty"`
	Columns   []string `json:"columns,omitempty"`
	Library   string   `json:"library,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
	Code      string   `json:"code,omitempty"`
	Language  string   `json:"language,omitempty"`
	ChartID   string   `json:"chart_id,omitempty"`

	// BatchID tags member jobs of a batch submit; never set by clients.
	BatchID string `json:"-"`
}

// ChartOutput is one rendered artifact. Content is SVG text for type "image"
// and an inline Vega-Lite v5 specification for type "vega".
type ChartOutput struct {
	Type    string `json:"type"`
	MIME    string `json:"mime"`
	Content any    `json:"content"`
}

// ChartResult is the artifact bundle produced by a successful run.
type ChartResult struct {
	Language string         `json:"language"`
	Library  string         `json:"library"`
	Code     string         `json:"code,omitempty"`
	Seed     *int64         `json:"seed,omitempty"`
	Outputs  []ChartOutput  `json:"outputs"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Job is the engine-owned record of one unit of chart work.
type Job struct {
	ID          string
	BatchID     string
	ChartID     string
	Request     ChartRequest
	State       JobState
	Stage       JobStage
	Result      *ChartResult
	ErrorKind   ErrorKind
	Error       string
	ErrorDetail string
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// JobStatus is the wire snapshot of a job.
type JobStatus struct {
	JobID       string       `json:"job_id"`
	Status      JobState     `json:"status"`
	Stage       JobStage     `json:"stage,omitempty"`
	ChartID     string       `json:"chart_id,omitempty"`
	Result      *ChartResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   ErrorKind    `json:"error_code,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// Status renders the wire snapshot of j.
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:       j.ID,
		Status:      j.State,
		Stage:       j.Stage,
		ChartID:     j.ChartID,
		Result:      j.Result,
		Error:       j.Error,
		ErrorCode:   j.ErrorKind,
		ErrorDetail: j.ErrorDetail,
	}
}

// BatchItem is the per-job entry inside a batch status.
type BatchItem struct {
	JobID   string   `json:"job_id"`
	Status  JobState `json:"status"`
	Stage   JobStage `json:"stage,omitempty"`
	ChartID string   `json:"chart_id,omitempty"`
}

// Batch is the engine-owned record of a batch submit.
type Batch struct {
	ID                   string
	Items                []BatchItem
	Parallelism          int
	ParallelismEffective int
	SubmittedAt          time.Time
}

// BatchStatus is the wire snapshot of a batch. Results and ResultsMap are
// populated only once every member job is terminal.
type BatchStatus struct {
	BatchID              string                 `json:"batch_id"`
	Total                int                    `json:"total"`
	Queued               int                    `json:"queued"`
	Running              int                    `json:"running"`
	Done                 int                    `json:"done"`
	Failed               int                    `json:"failed"`
	Cancelled            int                    `json:"cancelled"`
	Served               int                    `json:"served"`
	AvgWaitMs            float64                `json:"avg_wait_ms"`
	Parallelism          int                    `json:"parallelism"`
	ParallelismEffective int                    `json:"parallelism_effective"`
	Items                []BatchItem            `json:"items"`
	Results              []ChartResult          `json:"results,omitempty"`
	ResultsMap           map[string]ChartResult `json:"results_map,omitempty"`
}

// SavedChart is one user-saved chart artifact. Exactly one of SVG or Vega is
// set.
type SavedChart struct {
	ID        string         `json:"id"`
	DatasetID string         `json:"dataset_id"`
	Title     string         `json:"title,omitempty"`
	Hint      string         `json:"hint,omitempty"`
	SVG       string         `json:"svg,omitempty"`
	Vega      map[string]any `json:"vega,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is one metrics event. On the wire it is a flat JSON object: the named
// fields below plus every entry of Props at the top level, matching the
// append-only JSONL log format.
type Event struct {
	Name         string
	Timestamp    time.Time
	DurationMs   *float64
	Groundedness *float64
	Status       string
	ErrorCode    string
	Props        map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Props)+6)
	for k, v := range e.Props {
		m[k] = v
	}
	m["event_name"] = e.Name
	if !e.Timestamp.IsZero() {
		m["ts"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if e.DurationMs != nil {
		m["duration_ms"] = *e.DurationMs
	}
	if e.Groundedness != nil {
		m["groundedness"] = *e.Groundedness
	}
	if e.Status != "" {
		m["status"] = e.Status
	}
	if e.ErrorCode != "" {
		m["error_code"] = e.ErrorCode
	}
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = Event{Props: make(map[string]any)}
	for k, v := range m {
		switch k {
		case "event_name":
			e.Name, _ = v.(string)
		case "ts":
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					e.Timestamp = t
				}
			}
		case "duration_ms":
			if f, ok := toFloat(v); ok {
				e.DurationMs = &f
			}
		case "groundedness":
			if f, ok := toFloat(v); ok {
				e.Groundedness = &f
			}
		case "status":
			e.Status, _ = v.(string)
		case "error_code":
			e.ErrorCode, _ = v.(string)
		default:
			e.Props[k] = v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
