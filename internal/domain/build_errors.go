package domain

import "fmt"

// BuildErrorKind classifies the ways a build can fail. The kind decides
// whether the failure is worth an automatic repair attempt.
type BuildErrorKind string

const (
	// KindCompileFailure means the compiler rejected the source.
	// Recoverable via regeneration.
	KindCompileFailure BuildErrorKind = "compile_failure"

	// KindDecodeError means the compiler produced a binary the decoder
	// could not parse. Not recoverable via regeneration; surfaced directly.
	KindDecodeError BuildErrorKind = "decode_error"

	// KindTimeout means the worker produced no response within the
	// configured interval. Recoverable by retry, not regeneration.
	KindTimeout BuildErrorKind = "timeout"

	// KindRepairServiceError means the code-repair call itself failed.
	// Terminates the auto-repair cycle, never the session.
	KindRepairServiceError BuildErrorKind = "repair_service_error"

	// KindWorkerCrash means the worker process died before responding.
	KindWorkerCrash BuildErrorKind = "worker_crash"
)

// BuildError carries a classified build failure along with the raw
// compiler log, which regeneration forwards to the repair service in
// emission order.
type BuildError struct {
	Kind        BuildErrorKind
	Message     string
	CompilerLog []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Regenerable reports whether this failure should trigger an automatic
// repair cycle. Only compiler rejections qualify: decode errors indicate a
// broken artifact rather than broken source, and timeouts indicate a stuck
// worker rather than bad code.
func (e *BuildError) Regenerable() bool {
	return e.Kind == KindCompileFailure
}

// NewCompileFailure wraps a compiler rejection.
func NewCompileFailure(message string, compilerLog []string) *BuildError {
	return &BuildError{Kind: KindCompileFailure, Message: message, CompilerLog: compilerLog}
}

// NewTimeout wraps an unresponsive-worker failure.
func NewTimeout(message string) *BuildError {
	return &BuildError{Kind: KindTimeout, Message: message}
}

// NewDecodeError wraps a malformed-binary failure.
func NewDecodeError(message string) *BuildError {
	return &BuildError{Kind: KindDecodeError, Message: message}
}

// NewWorkerCrash wraps a worker process death.
func NewWorkerCrash(message string) *BuildError {
	return &BuildError{Kind: KindWorkerCrash, Message: message}
}
