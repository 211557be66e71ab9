package lessonaudio

import (
	"errors"
	"fmt"
)

// Common errors for the lesson audio engine.
var (
	// Synthesis errors
	ErrSynthesisFailed    = errors.New("speech synthesis failed")
	ErrSynthesisCancelled = errors.New("speech synthesis cancelled")
	ErrEmptyCue           = errors.New("narration cue has no text")
	ErrVoiceNotFound      = errors.New("requested voice not found")

	// Playback errors
	ErrPlaybackFailed  = errors.New("audio playback failed")
	ErrNotPlaying      = errors.New("no audio is playing")
	ErrAlreadyPlaying  = errors.New("audio is already playing")
	ErrInvalidRate     = errors.New("playback rate out of range")
	ErrElementClosed   = errors.New("audio element has been closed")
	ErrNoActiveChunks  = errors.New("no chunks overlap the current position")
	ErrChunkNotLoaded  = errors.New("chunk audio is not loaded")

	// Seek errors
	ErrSeekTimeout     = errors.New("seek did not complete in time")
	ErrSeekOutOfRange  = errors.New("seek target outside the timeline")
	ErrSeekSuperseded  = errors.New("seek superseded by a newer seek")

	// Store errors
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrNoNarration     = errors.New("event carries no narration")
	ErrInvalidDuration = errors.New("measured duration must be positive")

	// Queue errors
	ErrQueueClosed   = errors.New("generation queue is closed")
	ErrQueueFull     = errors.New("generation queue is full")
	ErrDuplicateWork = errors.New("chunk already queued for generation")

	// Buffer errors
	ErrBufferCeiling = errors.New("buffer memory ceiling exceeded")
	ErrNotBuffered   = errors.New("chunk audio is not buffered")

	// Circuit breaker
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")

	// Lifecycle
	ErrSessionClosed    = errors.New("session has been closed")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// Severity grades an engine error.
type Severity int

const (
	// SeverityWarning marks degraded but recoverable conditions.
	SeverityWarning Severity = iota
	// SeverityError marks a failed operation.
	SeverityError
	// SeverityCritical marks failures that end the session's audio.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// EngineError wraps a failure with the component and operation it came
// from, so callers can route it per the recovery policy: transient
// synthesis and playback errors degrade to visual-only mode, seek and
// generation failures surface as rejected operations.
type EngineError struct {
	Err       error
	Component string
	Op        string
	ChunkID   string
	Severity  Severity
	Retryable bool
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.ChunkID != "" {
		return fmt.Sprintf("%s: %s: chunk %s: %v", e.Component, e.Op, e.ChunkID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates an engine error with SeverityError.
func NewEngineError(err error, component, op string) *EngineError {
	return &EngineError{Err: err, Component: component, Op: op, Severity: SeverityError}
}

// WithChunk attaches the chunk the error relates to.
func (e *EngineError) WithChunk(id string) *EngineError {
	e.ChunkID = id
	return e
}

// WithSeverity overrides the error severity.
func (e *EngineError) WithSeverity(s Severity) *EngineError {
	e.Severity = s
	return e
}

// AsRetryable marks the error as safe to retry under the attempt caps.
func (e *EngineError) AsRetryable() *EngineError {
	e.Retryable = true
	return e
}

// IsRecoverable reports whether the session can continue in visual-only
// mode after this error. Terminal lifecycle and configuration failures are
// not recoverable; everything else is.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrAttemptsExhausted):
		return false
	}
	return true
}
