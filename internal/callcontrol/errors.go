package callcontrol

import "errors"

var (
	// ErrConfig is returned by Initialise when the options string is malformed.
	ErrConfig = errors.New("invalid options")

	// ErrVersionMismatch is returned by Initialise when the requested API
	// version is older than MinAPIVersion.
	ErrVersionMismatch = errors.New("unsupported api version")

	// ErrAlreadyInitialised is returned by a second Initialise.
	ErrAlreadyInitialised = errors.New("context already initialised")

	// ErrNotInitialised is returned by operations on a context that has not
	// been initialised or has been shut down.
	ErrNotInitialised = errors.New("context not initialised")

	// ErrUnknownToken is returned for tokens this context never issued.
	ErrUnknownToken = errors.New("unknown call token")

	// ErrInvalidState is returned when an operation is not legal in the
	// call's current state.
	ErrInvalidState = errors.New("operation not valid in call state")

	// ErrInvalidCommand is returned by Send for malformed command messages.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrResourceExhausted is returned when a socket, port or other limited
	// resource could not be allocated. Endpoints wrap it so the context can
	// pick the matching clear reason.
	ErrResourceExhausted = errors.New("resource exhausted")
)
