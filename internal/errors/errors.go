// Package errors implements the Acquisition Control Core's error
// taxonomy (spec.md §7): every error surfaced across a component
// boundary carries a Kind tag, a human-readable message, and the FOV
// identifier when one is applicable.
//
// The classification idiom (a Kind enum with a String() method and a
// constructor per kind) mirrors
// modules/stream-capture/internal/rtsp/errors.go's ErrorCategory.
package errors

import (
	"fmt"
	"strings"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Kind classifies an AcqError by spec.md §7's taxonomy.
type Kind int

const (
	// IllegalTransition: state-machine operation invoked in a state that
	// does not accept it. Non-fatal, rejected to the caller.
	IllegalTransition Kind = iota
	// HardwareError: move/trigger/channel failure from the hardware
	// interface. Fatal to the run.
	HardwareError
	// JobError: failure inside a background job (Save or QC).
	JobError
	// ConfigError: invalid configuration detected at run construction.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case IllegalTransition:
		return "illegal_transition"
	case HardwareError:
		return "hardware_error"
	case JobError:
		return "job_error"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// AcqError is the structured error type returned across component
// boundaries in the Acquisition Control Core.
type AcqError struct {
	Kind    Kind
	Message string
	FOV     *types.FOVID // nil when the error is not FOV-scoped
	Cause   error
}

func (e *AcqError) Error() string {
	if e.FOV != nil {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (fov=%s): %v", e.Kind, e.Message, e.FOV, e.Cause)
		}
		return fmt.Sprintf("%s: %s (fov=%s)", e.Kind, e.Message, e.FOV)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AcqError) Unwrap() error { return e.Cause }

// New builds an AcqError with no FOV scope.
func New(kind Kind, message string, cause error) *AcqError {
	return &AcqError{Kind: kind, Message: message, Cause: cause}
}

// NewForFOV builds an AcqError scoped to a specific FOV.
func NewForFOV(kind Kind, fov types.FOVID, message string, cause error) *AcqError {
	return &AcqError{Kind: kind, Message: message, FOV: &fov, Cause: cause}
}

// IsFatal reports whether an error of this kind must abort the run, per
// spec.md §7's propagation table. HardwareError and ConfigError are
// always fatal; IllegalTransition never is; JobError's fatality depends
// on which job kind failed and is decided by the caller (the Job Runner
// tags JobError-kind results with the job kind so the Worker can apply
// the Save-fatal/QC-non-fatal rule).
func IsFatal(kind Kind) bool {
	switch kind {
	case HardwareError, ConfigError:
		return true
	default:
		return false
	}
}

// HardwareCategory classifies a HardwareError's underlying cause for
// telemetry, the same keyword-heuristic idiom the teacher's RTSP layer
// uses to classify GStreamer errors.
type HardwareCategory int

const (
	HWCategoryUnknown HardwareCategory = iota
	HWCategoryMotion
	HWCategoryCamera
	HWCategoryCommunication
)

func (c HardwareCategory) String() string {
	switch c {
	case HWCategoryMotion:
		return "motion"
	case HWCategoryCamera:
		return "camera"
	case HWCategoryCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// ClassifyHardwareError analyzes a hardware failure's message and sorts
// it into a HardwareCategory for operator-facing telemetry. It never
// changes control flow: every HardwareError is fatal to the run
// regardless of category (spec.md §7).
func ClassifyHardwareError(err error) HardwareCategory {
	if err == nil {
		return HWCategoryUnknown
	}
	msg := err.Error()
	if containsAny(msg, "stage", "motor", "move_to", "z position", "piezo") {
		return HWCategoryMotion
	}
	if containsAny(msg, "trigger", "camera", "exposure", "channel", "sensor") {
		return HWCategoryCamera
	}
	if containsAny(msg, "serial", "timeout", "connection", "port", "comm") {
		return HWCategoryCommunication
	}
	return HWCategoryUnknown
}

func containsAny(s string, needles ...string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
