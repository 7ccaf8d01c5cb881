package chat

import "errors"

// Sentinel errors for the message pipeline. Callers classify failures with
// errors.Is; the HTTP layer owns the mapping to status codes.
var (
	// ErrInvalidArgument covers malformed input: self-chat, missing
	// participant ids, empty edit text, a message with neither text nor image.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden covers authorization failures: non-participant sender,
	// wrong editor/deleter, edit window expired. Never retried.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers absent chats and messages.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable covers persistence infrastructure failures. The whole
	// operation is safe to retry: nothing was applied.
	ErrUnavailable = errors.New("unavailable")
)
