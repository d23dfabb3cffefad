package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when no row matches the id and participant.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an id is malformed for the backend.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrInvalidMessage is returned when a message is missing required fields.
	ErrInvalidMessage = errors.New("store: invalid message")

	// ErrBlobNotFound is returned when a blob key does not exist.
	ErrBlobNotFound = errors.New("store: blob not found")

	// ErrSubscriptionClosed is returned when a feed is closed while subscribing.
	ErrSubscriptionClosed = errors.New("store: subscription closed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
