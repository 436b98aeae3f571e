package relay

import "errors"

var (
	// ErrRouterClosed is returned by Serve once Close has been called.
	ErrRouterClosed = errors.New("router closed")
	// ErrMalformedMessage is returned by ParseMessage for payloads that are
	// not a JSON object with a string "type" field.
	ErrMalformedMessage = errors.New("malformed message")
)
