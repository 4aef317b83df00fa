// Package broadcast is the topic-based fanout that delivers pipeline events
// to live observers. Publishing never blocks: each subscriber owns a bounded
// FIFO queue drained by its own goroutine, and overflow is converted into
// gap marker events instead of backpressure.
package broadcast
