package apperrors

import "slices"

// appError implements the apperrors.Error interface.
// Every modifier returns a derived copy whose base is the receiver, so the
// package level error values stay untouched and remain matchable with errors.Is.
type appError struct {
	msg           string
	base          Error
	wrappedErrors []error
	statuscode    int
	expandError   bool
	prefix        string
	suffix        string
}

func (e *appError) Error() string {
	msg := e.msg
	if e.prefix != "" {
		msg = e.prefix + ": " + msg
	}
	if e.suffix != "" {
		msg += ": " + e.suffix
	}
	return msg
}

func (e *appError) ErrorAll() string {
	msg := e.Error()
	if !e.expandError {
		return msg
	}
	var wrapped string
	for _, err := range e.wrappedErrors {
		wrapped += err.Error() + ";"
	}
	if len(wrapped) > 0 {
		msg = msg + ": " + wrapped[:len(wrapped)-1]
	}
	return msg
}

func (e *appError) Unwrap() []error {
	return e.wrappedErrors
}

func (e *appError) derive() *appError {
	return &appError{
		msg:           e.msg,
		base:          e,
		wrappedErrors: slices.Clone(e.wrappedErrors),
		statuscode:    e.statuscode,
		expandError:   e.expandError,
		prefix:        e.prefix,
		suffix:        e.suffix,
	}
}

func (e *appError) New(msg string) Error {
	return &appError{
		msg:        msg,
		statuscode: e.statuscode,
		base:       e,
	}
}

func (e *appError) Msg(msg string) Error {
	d := e.derive()
	d.msg = msg
	return d
}

func (e *appError) Prefix(prefix string) Error {
	d := e.derive()
	d.prefix = prefix
	return d
}

func (e *appError) Suffix(suffix string) Error {
	d := e.derive()
	d.suffix = suffix
	return d
}

func (e *appError) MsgErr(msg string, err ...error) Error {
	d := e.derive()
	d.msg = msg
	d.wrappedErrors = append(d.wrappedErrors, err...)
	return d
}

func (e *appError) Err(err ...error) Error {
	d := e.derive()
	d.wrappedErrors = append(d.wrappedErrors, err...)
	return d
}

func (e *appError) Is(target error) bool {
	if e == target || (e.base != nil && e.base == target) {
		return true
	}
	if e.base != nil && e.base.Is(target) {
		return true
	}
	for _, err := range e.wrappedErrors {
		if err == target {
			return true
		}
	}
	return false
}

func (e *appError) SetExpandError(expand bool) Error {
	d := e.derive()
	d.expandError = expand
	return d
}

func (e *appError) SetStatusCode(code int) Error {
	d := e.derive()
	d.statuscode = code
	return d
}

func (e *appError) StatusCode() int {
	return e.statuscode
}

func New(msg string) Error {
	return &appError{
		msg: msg,
	}
}
