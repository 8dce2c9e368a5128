// Package apperrors provides hierarchical error values that carry an HTTP
// status code. Errors are declared as package variables and derived with
// New, Msg, MsgErr or Err; a derived error matches all of its ancestors.
package apperrors

type Error interface {
	Error() string
	// ErrorAll includes wrapped errors when expansion is enabled.
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
	SetStatusCode(code int) Error
	StatusCode() int
}

// StatusCode returns the status code carried by err, or fallback when err is
// not an Error or carries none.
func StatusCode(err error, fallback int) int {
	if appErr, ok := err.(Error); ok && appErr.StatusCode() != 0 {
		return appErr.StatusCode()
	}
	return fallback
}
