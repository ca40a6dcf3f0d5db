package esp8266

import "errors"

// Error is returned by all Device methods that talk to the ESP8266. Cmd is
// the AT command name (or a method name for errors detected locally).
type Error struct {
	Dev string
	Cmd string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return e.Dev + ": " + e.Cmd + ": " + e.Err.Error()
}

func (e *Error) Timeout() bool {
	_, to := e.Err.(*timeoutError)
	return to
}

// ErrorESP represents an error reported by the AT firmware. Code holds the
// text printed before the ERROR or FAIL result code, if any. It is returned
// in the Error.Err field.
type ErrorESP struct {
	Code string
}

func (e *ErrorESP) Error() string {
	return e.Code
}

type timeoutError struct{}

func (e *timeoutError) Error() string { return "timeout" }
func (e *timeoutError) Timeout() bool { return true }

// Errors that may be returned in the Error.Err field.
var (
	ErrTimeout  error = &timeoutError{}
	ErrParse          = errors.New("parse")
	ErrArgType        = errors.New("argument type")
	ErrRespType       = errors.New("response type")
	ErrBadID          = errors.New("bad socket id")
	ErrClosed         = errors.New("socket closed")
	ErrMode           = errors.New("bad mode")
	ErrProto          = errors.New("unknown protocol")
	ErrPort           = errors.New("bad port")
	ErrInUse          = errors.New("socket in use")
)
