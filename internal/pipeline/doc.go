// Package pipeline wires the capture stages together.
//
// One producer goroutine polls the link and pushes byte chunks into a bounded
// queue sized to a few hundred milliseconds of audio. One consumer goroutine
// drains it in order through frame assembly, activity scoring, segment
// tracking and the capture sink; segment events reach the sink before the
// frame that closed the segment and are handed to the effect dispatcher
// without waiting. A consumer that falls behind the queue bound is a fatal
// stall. Cancelling the run context stops reading, drains the queue, flushes
// the trailing frame, force-closes an open segment and closes the sink.
package pipeline
