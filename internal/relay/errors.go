package relay

import "errors"

var (
	// ErrDuplicateConnection is returned by Connect when the connection id is
	// already registered.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrUnknownSession is returned when an operation names a connection id
	// that is not registered, e.g. a message arriving after disconnect.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTransportWrite wraps per-recipient delivery failures. It never aborts
	// a broadcast.
	ErrTransportWrite = errors.New("transport write failure")
	// ErrInvalidUsername is returned by Connect for blank or oversized usernames.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrRelayClosed is returned for operations submitted after Shutdown.
	ErrRelayClosed = errors.New("relay closed")
)
