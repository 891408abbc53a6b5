// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the harvester and pipeline use to report run progress. The hub
// batches events on a background goroutine and fans them out to sinks such as
// structured logs, Prometheus collectors, or the run history store.
package progress
