// Package sinks holds the progress.Sink implementations wired by the server:
// Prometheus collectors, a repository-backed store and a structured log sink.
package sinks
