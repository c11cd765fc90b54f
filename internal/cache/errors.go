package cache

import (
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrBackingRead marks a failed read from the backing store on a miss fill.
	ErrBackingRead = platformerrors.New(platformerrors.CodeDatabase, "backing store read failed")

	// ErrBackingWrite marks a failed write to the backing store. With
	// write-through the cache store is left untouched.
	ErrBackingWrite = platformerrors.New(platformerrors.CodeDatabase, "backing store write failed")

	// ErrBackingDelete marks a failed delete in the backing store.
	ErrBackingDelete = platformerrors.New(platformerrors.CodeDatabase, "backing store delete failed")

	// ErrInvalidConfig is returned by New for a non-positive capacity or lane count.
	ErrInvalidConfig = platformerrors.New(platformerrors.CodeInvalidConfig, "invalid cache configuration")
)

// backingError ties a backing store failure to its kind and key while
// keeping the original cause reachable through errors.Is/As.
func backingError[K comparable](kind error, key K, cause error) error {
	return fmt.Errorf("%w: key %v: %w", kind, key, cause)
}

func invalidConfig(msg, field string, value interface{}) error {
	return platformerrors.WrapWithContext(ErrInvalidConfig, platformerrors.CodeInvalidConfig, msg, map[string]interface{}{
		field: value,
	})
}
