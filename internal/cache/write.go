package cache

import (
	"context"
	"log/slog"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

// Write policy names accepted by NewWritePolicy.
const (
	PolicyWriteThrough = "write-through"
	PolicyWriteAround  = "write-around"
	PolicyWriteBack    = "write-back"
)

// WritePolicy decides how an update reaches the cache store and the
// backing store.
//
// cached reports whether store holds key once Apply returns; the Cache
// keeps its eviction bookkeeping in line with it. On error the Cache makes
// no bookkeeping change.
type WritePolicy[K comparable, V any] interface {
	Apply(ctx context.Context, key K, value V, store Store[K, V], backing BackingStore[K, V]) (cached bool, err error)
}

// WriteThrough commits to the backing store first and updates the cache
// store only once that write succeeded. A failed backing write leaves the
// cache store untouched.
type WriteThrough[K comparable, V any] struct{}

func (WriteThrough[K, V]) Apply(ctx context.Context, key K, value V, store Store[K, V], backing BackingStore[K, V]) (bool, error) {
	if err := backing.Write(ctx, key, value); err != nil {
		return false, backingError(ErrBackingWrite, key, err)
	}
	store.Put(key, value)
	return true, nil
}

// WriteAround writes only to the backing store and invalidates any cached
// copy, so the next access fills from the backing store.
type WriteAround[K comparable, V any] struct{}

func (WriteAround[K, V]) Apply(ctx context.Context, key K, value V, store Store[K, V], backing BackingStore[K, V]) (bool, error) {
	if err := backing.Write(ctx, key, value); err != nil {
		return false, backingError(ErrBackingWrite, key, err)
	}
	store.Remove(key)
	return false, nil
}

// NewWritePolicy builds a policy by name. An empty name selects
// write-through. flushEvery only applies to write-back.
func NewWritePolicy[K comparable, V any](name string, backing BackingStore[K, V], flushEvery time.Duration, logger *slog.Logger) (WritePolicy[K, V], error) {
	switch name {
	case "", PolicyWriteThrough:
		return WriteThrough[K, V]{}, nil
	case PolicyWriteAround:
		return WriteAround[K, V]{}, nil
	case PolicyWriteBack:
		return NewWriteBack(backing, flushEvery, logger), nil
	default:
		return nil, platformerrors.WithContext(
			platformerrors.Newf(platformerrors.CodeInvalidConfig, "unknown write policy %q", name),
			"policy", name,
		)
	}
}
