package session

import "errors"

var (
	// ErrWaitTimeout is returned by WaitForReady when the store does not
	// become ready for the requested key within the bound.
	ErrWaitTimeout = errors.New("session: wait for ready timed out")

	// ErrInvalidRole rejects operations on a missing or non-positive role id.
	ErrInvalidRole = errors.New("session: role id must be positive")

	// ErrNoActiveSession is returned when rotation is requested with no
	// session in the store.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrInvalidIdentity is returned when authentication succeeds at the
	// transport level but yields no usable identity.
	ErrInvalidIdentity = errors.New("session: authentication returned no identity")

	// ErrHydrationTimeout signals that persisted selections did not finish
	// loading within the bound. Initialization proceeds anyway.
	ErrHydrationTimeout = errors.New("session: selection hydration timed out")
)
