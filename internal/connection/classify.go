package connection

import "errors"

// Server error codes relevant to reconnection policy.
const (
	CodeTokenExpired     = 40
	CodeTokenInvalid     = 41
	CodeTokenNotYetValid = 42
	CodeClientStopped    = 60
)

// ServerError carries the backend's error code for a server-initiated
// disconnect.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return e.Message
}

// IsAuthError reports whether err is a token/auth-class server error. Such
// disconnects are recovered by the token flow, not by reconnecting with the
// same credentials.
func IsAuthError(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case CodeTokenExpired, CodeTokenInvalid, CodeTokenNotYetValid:
		return true
	}
	return false
}

// IsStopError reports whether the server explicitly told the client to stop
// reconnecting.
func IsStopError(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == CodeClientStopped
}

// ShouldAutoReconnect decides whether the recovery handler may schedule a
// reconnect after a server-initiated disconnect with the given error.
func ShouldAutoReconnect(err error) bool {
	if err == nil {
		return true
	}
	return !IsAuthError(err) && !IsStopError(err)
}
