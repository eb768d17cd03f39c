package pvml

import (
	"fmt"
	"strings"
)

// ConfigError indicates that the PVML configuration or the task table is
// malformed or internally inconsistent. The remedy is fixing the job
// description, not the processor.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Errorf creates a new ConfigError.
func Errorf(format string, a ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, a...)}
}

// ResolutionError is a ConfigError that specifically means no alternative
// could satisfy a mandatory task input.
type ResolutionError struct {
	Task      string
	Input     string
	FileTypes []string
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("input %s for %s has not been assigned", e.Input, e.Task)
	switch len(e.FileTypes) {
	case 0:
	case 1:
		msg += fmt.Sprintf(" (expected %s)", e.FileTypes[0])
	default:
		msg += fmt.Sprintf(" (expected one of %s)", strings.Join(e.FileTypes, ", "))
	}
	return msg
}

// ProcessorError indicates that the external task misbehaved: bad exit
// code, missing or inconsistent outputs, malformed LIST file. The remedy
// is fixing the processor.
type ProcessorError struct {
	Msg string
	Err error
}

func (e *ProcessorError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Processorf creates a new ProcessorError.
func Processorf(format string, a ...interface{}) error {
	return &ProcessorError{Msg: fmt.Sprintf(format, a...)}
}

// ArchiveError indicates that the archive backend failed a resolve,
// retrieve or ingest call. It is propagated as-is and fatal to the job.
type ArchiveError struct {
	Op  string
	Err error
}

func (e *ArchiveError) Error() string {
	return "archive " + e.Op + ": " + e.Err.Error()
}

func (e *ArchiveError) Unwrap() error { return e.Err }
