package store

import (
	"context"
	"errors"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrCorrupt    = errors.New("stored collection is corrupt")
	ErrStorage    = errors.New("storage unavailable")
)

// Backend is a durable string key/value store. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Get returns the value stored at key; ok is false when the key is unset.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
