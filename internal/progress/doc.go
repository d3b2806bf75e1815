// Package progress provides run events, a non-blocking batching Hub and the
// Sink interface. The batch controller emits one event per record plus run
// start and completion; sinks turn batches into logs, Prometheus series or
// run history rows.
package progress
