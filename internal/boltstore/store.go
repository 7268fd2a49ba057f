// Package boltstore is a small typed key-value store. Values are JSON
// encoded; keys are ordered byte-wise so prefix scans return keys in order.
package boltstore

import (
	"context"

	"github.com/containerd/errdefs"
)

// Store holds values of type T under string keys.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Put(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	// Scan calls fn for each key with prefix, in key order. Returning an
	// error from fn stops the scan and is returned.
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errdefs.ErrNotFound
