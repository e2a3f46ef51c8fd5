package evalvana

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned by Submit while the session still has a
	// request in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrTimeout marks responses synthesized when a plugin does not answer
	// within the request's timeout.
	ErrTimeout = errors.New("evaluation timed out")
	// ErrCancelled is returned to readers of a request that was cancelled.
	ErrCancelled = errors.New("evaluation cancelled")
	// ErrProcessTerminated marks responses synthesized for requests that were
	// outstanding when their plugin process died.
	ErrProcessTerminated = errors.New("plugin process terminated")
	// ErrUnknownPlugin is returned for plugin ids missing from the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrUnknownSession is returned for session ids that are not open.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoActiveRequest is returned when polling or cancelling a session
	// that has nothing in flight.
	ErrNoActiveRequest = errors.New("no active request")
	// ErrPoolExhausted is returned when a plugin already runs its maximum
	// number of instances and none can take another session.
	ErrPoolExhausted = errors.New("plugin instance limit reached")
)

// ProcessError reports a failure to obtain a running plugin process.
// It never affects processes already in the pool.
type ProcessError struct {
	PluginID string
	Op       string
	Err      error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
