// Package sinks implements concrete progress consumers such as Prometheus,
// run history storage, snapshot archiving, and structured logging. Each sink
// satisfies the progress.Sink interface and tolerates repeated identical
// updates.
package sinks
