package protocol

import "errors"

// userFacingError wraps a handler error whose message is safe to send to the
// remote caller verbatim.
type userFacingError struct {
	err error
}

func (e *userFacingError) Error() string { return e.err.Error() }

func (e *userFacingError) Unwrap() error { return e.err }

// UserFacing marks an error as safe to surface to the remote caller with its
// message intact. Unmarked errors cross the wire as a generic failure.
func UserFacing(err error) error {
	if err == nil {
		return nil
	}
	return &userFacingError{err: err}
}

// RemoteError is what an invocation returns when the peer answered with an
// error reply. UserFacing preserves the wire flag so callers can distinguish
// expected handler failures from internal ones.
type RemoteError struct {
	Message    string
	UserFacing bool
}

func (e *RemoteError) Error() string { return e.Message }

// IsUserFacing reports whether an error is marked safe to show: either a
// locally wrapped handler error or a remote reply that carried the flag.
func IsUserFacing(err error) bool {
	var ufe *userFacingError
	if errors.As(err, &ufe) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.UserFacing
	}
	return false
}
