// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the ingest service uses to report crawl and processing
// progress. It batches events on a background goroutine and fans them out to
// pluggable sinks such as push-channel subscribers, Prometheus metrics, the
// source store or Pub/Sub.
package progress
