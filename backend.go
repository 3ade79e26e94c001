package comms

import "time"

// Engine is a handle to an initialized collective context. It is
// bootstrapped outside of this package and may be shared by several
// communicators, which must then serialize their calls against it.
//
// Buffers are raw bytes; counts are element counts. Every call enqueues
// work on the given stream and returns once the work is issued, not once
// it completed.
type Engine interface {
	AllReduce(send, recv []byte, count int, dt Datatype, op ReduceOp, stream Stream) error
	Broadcast(send, recv []byte, count int, dt Datatype, root int, stream Stream) error
	Reduce(send, recv []byte, count int, dt Datatype, op ReduceOp, root int, stream Stream) error
	AllGather(send, recv []byte, count int, dt Datatype, stream Stream) error
	ReduceScatter(send, recv []byte, count int, dt Datatype, op ReduceOp, stream Stream) error

	// OpenStream allocates a new ordered execution stream on the engine.
	OpenStream() (Stream, error)

	// AsyncError reports a fault that the engine detected asynchronously,
	// outside of any issue call. A non-nil result poisons every operation
	// enqueued after the fault.
	AsyncError() error

	// Abort releases the collective context after an asynchronous fault.
	// The engine is unusable afterwards.
	Abort() error
}

// Stream is an ordered asynchronous execution queue. Operations enqueued
// on the same stream execute in order; streams are unordered relative to
// each other.
type Stream interface {
	// Query is a non-blocking completion check: it reports whether every
	// operation enqueued so far has completed. The error is a fault of
	// the status query itself, not of an enqueued operation.
	Query() (bool, error)

	Close() error
}

// Endpoint is an opaque per-peer connection handle, owned by the
// transport worker that produced it.
type Endpoint any

// Request is the transport-level handle of one non-blocking send or
// receive. Callers of this package never see one; the request manager
// owns them and hands out RequestIDs instead.
type Request interface {
	// Completed reports whether the operation finished.
	Completed() bool

	// NeedsRelease is false when the operation completed synchronously
	// at issue time, in which case Completed is meaningless and the
	// request can be released right away.
	NeedsRelease() bool

	// Err reports a transport failure of this request, if any.
	Err() error

	// Release returns the request's backend resource. Must be called
	// exactly once, after completion was observed.
	Release()
}

// Worker drives a point-to-point transport. Like Engine, it is
// bootstrapped and owned externally.
type Worker interface {
	// Isend issues a non-blocking send of buf to the peer behind ep,
	// tagged with (tag, sender rank). buf must not be mutated until the
	// request completed.
	Isend(ep Endpoint, buf []byte, tag int, sender int) (Request, error)

	// Irecv issues a non-blocking receive into buf, matching exactly on
	// (tag, source rank). There is no wildcard receive.
	Irecv(ep Endpoint, buf []byte, tag int, source int) (Request, error)

	// Progress advances the transport's internal event queue and returns
	// the number of events it advanced. It must be called repeatedly to
	// observe asynchronous completion; there is no background thread.
	Progress() int
}

// RawEndpointDecoder is implemented by workers able to rebuild typed
// endpoint handles from raw integer-encoded addresses, as handed over by
// a foreign-language bootstrap layer.
type RawEndpointDecoder interface {
	EndpointFromRaw(raw uint64) (Endpoint, error)
}

// Clock abstracts wall-clock measurement so that WaitAll timeout behavior
// is testable without real delay.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
