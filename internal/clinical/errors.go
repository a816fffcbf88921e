package clinical

import (
	"errors"
	"fmt"
)

var (
	// ErrPatientNotFound is returned by a record backend for an unknown patient id.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrNoData means the source has nothing on file for the patient.
	ErrNoData = errors.New("no data on file")
)

// SourceError wraps a failed or timed-out fetch. It never aborts a case.
type SourceError struct {
	Source   Source
	TimedOut bool
	Err      error
}

func (e *SourceError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("source %s unavailable: timed out", e.Source)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ConfigurationError is the only error that fails a case outright.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
