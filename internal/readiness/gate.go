// Package readiness tracks whether the face model has finished loading.
package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadyInitialized is returned when Initialize is called more than once.
var ErrAlreadyInitialized = errors.New("readiness: gate already initialized")

// Gate is a write-once readiness flag. The zero value is not ready.
type Gate struct {
	once  sync.Once
	ready atomic.Bool
}

// NewGate returns a gate in the not-ready state.
func NewGate() *Gate {
	return &Gate{}
}

// Initialize runs load exactly once. The gate flips to ready only when load
// succeeds; a failed load leaves it closed for the lifetime of the process.
func (g *Gate) Initialize(ctx context.Context, load func(context.Context) error) error {
	err := ErrAlreadyInitialized
	g.once.Do(func() {
		err = load(ctx)
		if err == nil {
			g.ready.Store(true)
		}
	})
	return err
}

// Ready reports whether the model is loaded. Safe for concurrent use.
func (g *Gate) Ready() bool {
	return g.ready.Load()
}
