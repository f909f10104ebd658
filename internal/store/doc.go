// Package store holds the repository contracts behind the progress API: one
// row per session run and counters per navigation phase.
package store
