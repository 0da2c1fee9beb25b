package models

import "errors"

// Error variables for better error handling and testability
var (
	ErrGuestNotFound         = errors.New("guest not found")
	ErrGuestOptedOut         = errors.New("guest has opted out")
	ErrGuestNoPhone          = errors.New("guest has no phone number")
	ErrInvalidPhone          = errors.New("invalid phone number")
	ErrUnsupportedChannel    = errors.New("unsupported channel")
	ErrEmptyMessage          = errors.New("message body cannot be empty")
	ErrProviderNotConfigured = errors.New("messaging provider not configured")
	ErrProviderFailed        = errors.New("messaging provider failed")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrEventNotFound         = errors.New("event not found")
	ErrLimitReached          = errors.New("plan limit reached")
)
