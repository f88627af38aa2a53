package store

import "errors"

var (
	ErrNotFound       = errors.New("document not found")
	ErrIntentNotFound = errors.New("outbox intent not found")
	ErrIntentChanged  = errors.New("outbox intent changed since read")
	ErrIntentLive     = errors.New("outbox intent is not dead-lettered")
	ErrCorrupt        = errors.New("local store corrupt")
)
