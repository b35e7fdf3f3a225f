package core

import "errors"

var (
	ErrEmptyMessage    = errors.New("message content cannot be empty")
	ErrEmptyTitle      = errors.New("title cannot be empty")
	ErrSessionCreate   = errors.New("failed to create session")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotRetryable    = errors.New("message is not in an errored state")
	ErrReplyFailed     = errors.New("reply generation failed")
	ErrReplyTimeout    = errors.New("reply generation timed out")
	ErrStaleRead       = errors.New("session changed while reading messages")
)
