package backend

import (
	"errors"
	"fmt"
)

// ErrIllegalResponse is returned when the backend answers with something
// other than the expected result: an explicit FAIL answer or a reply of the
// wrong shape. For history requests this is how telegram-cli reports an
// offset past the end of the dialog.
var ErrIllegalResponse = errors.New("illegal response")

// RPCError is a FAIL answer from telegram-cli.
type RPCError struct {
	Command string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Command, e.Code, e.Message)
}

// Is reports FAIL answers as illegal responses.
func (e *RPCError) Is(target error) bool {
	return target == ErrIllegalResponse
}

// TransportError covers connection loss, timeouts and malformed answers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
