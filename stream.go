package comms

import (
	"fmt"
	"runtime"
)

// Status reports the outcome of a stream synchronization.
type Status int

const (
	// StatusSuccess: every operation enqueued on the stream completed.
	StatusSuccess Status = iota

	// StatusError: the stream-status query itself faulted.
	StatusError

	// StatusAbort: an asynchronous backend fault was detected; the
	// collective context was released and the communicator is unusable.
	StatusAbort
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusAbort:
		return "abort"
	}
	panic(fmt.Sprintf("comms: unknown status %d", int(s)))
}

// SyncStream blocks until every operation enqueued on stream completed,
// polling the stream for completion and the engine for asynchronous
// faults, yielding the CPU between polls.
//
// On StatusAbort the monitor already attempted to release the collective
// context (release failures are logged) and the communicator is marked
// unusable: the caller decides whether to tear down and rebuild.
//
// The loop has no timeout; it terminates only on completion or fault
// detection.
func (c *Communicator) SyncStream(stream Stream) Status {
	for {
		done, err := stream.Query()
		if err != nil {
			c.logger.Error("stream status query failed", LabelError.L(err))
			return StatusError
		}
		if done {
			return StatusSuccess
		}

		if aerr := c.engine.AsyncError(); aerr != nil {
			c.unusable.Store(true)
			c.msink.IncrCounterWithLabels(MetricStreamAbortCount, 1, c.metricLabels())
			c.logger.Error("asynchronous backend fault, releasing collective context",
				LabelError.L(aerr))
			if err := c.engine.Abort(); err != nil {
				c.logger.Error("failed to release collective context", LabelError.L(err))
			}
			return StatusAbort
		}

		// Let other goroutines, including the engine's, use the CPU.
		runtime.Gosched()
	}
}
