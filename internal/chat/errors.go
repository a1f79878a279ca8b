package chat

import "errors"

// Error taxonomy for the messaging core. Nothing in this package panics
// across a boundary; every failure is one of these sentinels (possibly
// wrapped with context) so callers can map them to user-facing responses.
var (
	// ErrUnauthenticated means no current user is available for a
	// mutating operation.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrEditForbidden means a user attempted to edit a message they did
	// not send. The UI gates this, but the store defends again.
	ErrEditForbidden = errors.New("cannot edit another user's message")

	// ErrDeleteForbidden is the delete counterpart of ErrEditForbidden.
	ErrDeleteForbidden = errors.New("cannot delete another user's message")

	// ErrSendFailed means persistence rejected a send; the optimistic
	// entry stays visible in the failed state and can be retried.
	ErrSendFailed = errors.New("message send failed")

	// ErrEditFailed means persistence rejected an edit; the local edit
	// is rolled back.
	ErrEditFailed = errors.New("message edit failed")

	// ErrDeleteFailed means persistence rejected a delete; the message is
	// restored at its original position.
	ErrDeleteFailed = errors.New("message delete failed")

	// ErrStoreClosed means the store was torn down while an operation was
	// in flight. Late completions are discarded, never applied.
	ErrStoreClosed = errors.New("message store closed")

	// ErrUnknownMessage means the referenced message id is not in the
	// local list.
	ErrUnknownMessage = errors.New("unknown message")
)
