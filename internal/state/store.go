package state

import "context"

// Store is a small key/value store for UI state that should survive a
// restart. Candle data is never written here.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
