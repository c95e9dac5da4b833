package sandbox

import (
	"errors"
	"fmt"

	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/redact"
)

// Error is the tagged failure the runner reports. Detail is already redacted
// when the error leaves this package.
type Error struct {
	Kind   model.ErrorKind
	Detail string
	// Logs carries the first redacted lines of child stderr for
	// format_error diagnoses.
	Logs string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newError(kind model.ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: redact.Redact(detail)}
}

var errCancelled = &Error{Kind: model.ErrKindCancelled}

// Classify extracts the taxonomy kind from err, coercing anything that is not
// a tagged sandbox error to unknown.
func Classify(err error) model.ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return model.NormalizeErrorKind(se.Kind)
	}
	return model.ErrKindUnknown
}
