// Package apperrors defines the chainable error type used across the
// pipeline. Errors derived from a base sentinel keep their identity for
// errors.Is-style matching while carrying a phase annotation that the
// orchestrator folds into manifest status strings.
package apperrors

type Error interface {
	Error() string
	ErrorAll() string
	New(msg string) Error
	MsgErr(msg string, err ...error) Error
	Msg(msg string) Error
	Prefix(prefix string) Error
	Suffix(suffix string) Error
	Err(err ...error) Error
	Unwrap() []error
	Is(target error) bool
	SetExpandError(expand bool) Error
	SetPhase(phase int) Error
	Phase() int
}
