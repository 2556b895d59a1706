package remote

import (
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
)

// ErrNetwork wraps failures where no response was received: connection
// refused, DNS, TLS, timeouts, cancellation.
var ErrNetwork = errors.New("remote: network error")

// Error is a response from the remote service with an HTTP-like status.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the remote service.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// StatusOf returns the HTTP-like status carried by err, or 0 when err did
// not come from a remote response.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// fromConnect converts a Connect client error. Errors that came back over
// the wire become *Error; everything else wraps ErrNetwork (and keeps the
// underlying context error visible to errors.Is).
func fromConnect(err error) error {
	if err == nil {
		return nil
	}

	var ce *connect.Error
	if errors.As(err, &ce) && connect.IsWireError(ce) {
		return &Error{
			StatusCode: StatusFromCode(ce.Code()),
			Code:       ce.Code().String(),
			Message:    ce.Message(),
		}
	}

	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// StatusFromCode maps a Connect code to the HTTP status the failure
// classifier works with.
func StatusFromCode(code connect.Code) int {
	switch code {
	case connect.CodeInvalidArgument, connect.CodeFailedPrecondition, connect.CodeOutOfRange:
		return http.StatusBadRequest
	case connect.CodeUnauthenticated:
		return http.StatusUnauthorized
	case connect.CodePermissionDenied:
		return http.StatusForbidden
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeAlreadyExists, connect.CodeAborted:
		return http.StatusConflict
	case connect.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case connect.CodeUnimplemented:
		return http.StatusNotImplemented
	case connect.CodeUnavailable, connect.CodeCanceled:
		return http.StatusServiceUnavailable
	case connect.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StatusError builds a handler error that a client maps back to status.
// It is used by the reference server and by tests injecting faults.
func StatusError(status int, msg string) *connect.Error {
	var code connect.Code

	switch {
	case status == http.StatusUnauthorized:
		code = connect.CodeUnauthenticated
	case status == http.StatusForbidden:
		code = connect.CodePermissionDenied
	case status == http.StatusNotFound:
		code = connect.CodeNotFound
	case status == http.StatusConflict:
		code = connect.CodeAborted
	case status == http.StatusTooManyRequests:
		code = connect.CodeResourceExhausted
	case status == http.StatusNotImplemented:
		code = connect.CodeUnimplemented
	case status == http.StatusServiceUnavailable:
		code = connect.CodeUnavailable
	case status == http.StatusGatewayTimeout:
		code = connect.CodeDeadlineExceeded
	case status >= 500:
		code = connect.CodeInternal
	default:
		code = connect.CodeInvalidArgument
	}

	return connect.NewError(code, errors.New(msg))
}
