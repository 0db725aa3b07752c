// Package storage defines the byte-level backends behind the pokeshell Cache
// Store and Durable Queue.
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set, and Load returns exactly the items passed to
// the last successful Save, in the same order.
//
// Region names are opaque to backends. pokeshell builds them as
// "<prefix>-<version>:<purpose>" and relies on RegionBackend.Regions to find
// regions left behind by earlier versions.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage: backend closed")

// RegionBackend stores cache regions: named sets of key -> value entries.
// Must be safe for concurrent use. Set is atomic per key: a reader observes
// either the previous value or the complete new one.
type RegionBackend interface {
	// CreateRegion creates the region if it does not exist (idempotent).
	CreateRegion(ctx context.Context, region string) error
	// Regions lists every existing region.
	Regions(ctx context.Context) ([]string, error)
	// DeleteRegion drops a region and all its entries. Missing regions are not an error.
	DeleteRegion(ctx context.Context, region string) error

	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, region, key string) ([]byte, bool, error)
	// Set stores value under key, creating the region when needed.
	Set(ctx context.Context, region, key string, value []byte) error
	// Keys lists the keys of a region in unspecified order.
	Keys(ctx context.Context, region string) ([]string, error)

	Close(ctx context.Context) error
}

// QueueStore persists the full ordered list of queued mutations.
// Save replaces the persisted list atomically: after a failed Save the
// previously saved list is still what Load returns.
type QueueStore interface {
	Load(ctx context.Context) ([][]byte, error)
	Save(ctx context.Context, items [][]byte) error
	Close(ctx context.Context) error
}
