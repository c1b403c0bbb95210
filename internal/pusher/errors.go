package pusher

import "errors"

var (
	// ErrStreamClosed is returned by Subscription.Push after the stream
	// has terminated for any reason.
	ErrStreamClosed = errors.New("subscription closed")

	// ErrStreamDone is returned by Subscription.Recv when the stream
	// ended cleanly: producer close, consumer cancel, or replacement by
	// a newer connection epoch.
	ErrStreamDone = errors.New("subscription done")

	// ErrConnectionExists is returned by InitConnection when the same
	// (clientID, wsEpoch) pair is initialized twice. This is a
	// programming error in the transport layer, not a reconnect.
	ErrConnectionExists = errors.New("connection already initialized")

	// ErrStopped is returned by EnqueuePush after Stop has been called.
	ErrStopped = errors.New("pusher stopped")

	// ErrWrongClientGroup is returned by EnqueuePush when the push body
	// names a different client group than the one this service owns.
	ErrWrongClientGroup = errors.New("push for wrong client group")

	// ErrCoalesceInvariant reports entries that cannot be merged: the
	// same client appeared with a different jwt, push version, or schema
	// version within one batch.
	ErrCoalesceInvariant = errors.New("coalesce invariant violated")
)
