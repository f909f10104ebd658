// Package epoch provides a monotonically increasing token that lets a session
// drop responses to requests it has since superseded.
package epoch

import "sync/atomic"

// Stamped is a value that can carry the epoch it was issued under.
type Stamped[T any] interface {
	WithEpoch(epoch uint64) T
}

// Handle binds an issued value to the epoch current at issue time.
type Handle[T any] struct {
	Epoch uint64
	Value T
}

// Guard hands out epochs. The zero value is ready to use; no epoch is live
// until the first Issue.
type Guard[T Stamped[T]] struct {
	current atomic.Uint64
}

// Issue makes next the only live value and returns its handle.
func (g *Guard[T]) Issue(next T) Handle[T] {
	e := g.current.Add(1)
	return Handle[T]{Epoch: e, Value: next.WithEpoch(e)}
}

// Accept reports whether h is still the live handle.
func (g *Guard[T]) Accept(h Handle[T]) bool {
	return h.Epoch != 0 && h.Epoch == g.current.Load()
}

// Invalidate retires the live handle without issuing a new one.
func (g *Guard[T]) Invalidate() uint64 {
	return g.current.Add(1)
}

// Current returns the live epoch.
func (g *Guard[T]) Current() uint64 {
	return g.current.Load()
}
