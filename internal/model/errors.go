package model

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLimitExceeded is returned when a conversation or message quota is reached.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrInvalidConversation is returned for unknown or foreign conversation references.
	ErrInvalidConversation = errors.New("invalid conversation reference")
	// ErrInvalidTransition is returned when a status change would leave draft twice.
	ErrInvalidTransition = errors.New("invalid message status transition")
)
