package jobqueue

import "errors"

// ErrAlreadyShutdown is returned by Claim when the worker is not
// running at the moment claim() is invoked.
var ErrAlreadyShutdown = errors.New("jobqueue: worker is not running")

// shutdownError is the structured payload a force-failed in-flight job
// is given when the grace timer fires during shutdown.
type shutdownError struct{}

func (*shutdownError) Error() string { return "Shutdown" }

// NewShutdownError builds the error used to force-fail an in-flight
// job when a shutdown's grace period elapses before the processor
// calls done. Job implementations should render this as
// {error: true, message: "Shutdown"}.
func NewShutdownError() error { return &shutdownError{} }

// IsShutdownError reports whether err was produced by NewShutdownError.
func IsShutdownError(err error) bool {
	_, ok := err.(*shutdownError)
	return ok
}
