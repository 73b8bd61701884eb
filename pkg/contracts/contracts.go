// Package contracts also re-exports the store boundary so that callers
// outside internal/ (tests, future out-of-tree drivers) can reference the
// Store interface and its sentinel errors without importing internal/store
// directly.
package contracts

import "github.com/cortexd/cortex/internal/store"

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound
