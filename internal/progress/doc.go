// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that crawl sessions use to report where they are in the
// listing. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus collectors or the progress store.
package progress
