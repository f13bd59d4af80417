package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/source"
)

// ErrValidationFailed indicates the manifest failed validation.
var ErrValidationFailed = errors.New("manifest validation failed")

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/check/api").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks field values and cross-field constraints.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
func Validate(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Version != CurrentVersion {
		add("/version", "unsupported version %q, expected %q", m.Version, CurrentVersion)
	}

	path := strings.TrimSpace(m.Input.Path)
	switch {
	case path == "":
		add("/input/path", "is required")
	case source.IsS3(path):
		if _, _, err := source.ParseS3URI(path); err != nil {
			add("/input/path", "%v", err)
		}
	case m.Input.S3 != nil:
		add("/input/s3", "only applies to s3:// inputs")
	}

	if _, _, err := balance.ParseAPI(m.Check.API); err != nil {
		add("/check/api", "%v", err)
	}
	if m.Check.Delay != nil && m.Check.Delay.Duration() < 0 {
		add("/check/delay", "must be >= 0")
	}
	if m.Check.Start < 0 {
		add("/check/start", "must be >= 0")
	}
	if m.Check.End != nil && *m.Check.End < 0 {
		add("/check/end", "must be >= 0")
	}

	for i, name := range m.Backends.Order {
		if _, ok := balance.SpecFor(name); !ok {
			add(fmt.Sprintf("/backends/order/%d", i), "unknown backend %q", name)
		}
	}
	if m.Backends.Timeout != nil && m.Backends.Timeout.Duration() <= 0 {
		add("/backends/timeout", "must be > 0")
	}
	if m.Backends.RateLimit < 0 {
		add("/backends/rate_limit", "must be >= 0")
	}

	if m.Output.MaxSizeMB < 0 {
		add("/output/max_size_mb", "must be >= 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
