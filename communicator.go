package comms

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// Communicator bundles the cluster size, this participant's rank, and
// handles to the collective and point-to-point backends. Size and rank
// are immutable for its lifetime.
//
// A communicator is not safe for concurrent use; either confine it to a
// single goroutine or serialize calls externally.
type Communicator struct {
	id     string
	size   int
	rank   int
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	engine Engine

	// point-to-point, nil unless constructed with NewP2P
	p2pEnabled bool
	worker     Worker
	eps        []Endpoint

	// request manager state, exclusively owned by this instance
	nextRequestID RequestID
	inflight      map[RequestID]*inflightRequest
	freeIDs       map[RequestID]struct{}

	// barrier scratch, released by Close
	barrierStream Stream
	barrierSend   []byte
	barrierRecv   []byte

	unusable atomic.Bool
	closed   bool
}

// New constructs a collectives-only communicator around an initialized
// collective engine.
func New(engine Engine, size, rank int, opts ...Option) (*Communicator, error) {
	return newCommunicator(engine, nil, nil, size, rank, false, opts)
}

// NewP2P constructs a communicator capable of both collective and
// point-to-point operation. eps holds one connection handle per rank; a
// nil entry means "no endpoint for that peer".
func NewP2P(engine Engine, worker Worker, eps []Endpoint, size, rank int, opts ...Option) (*Communicator, error) {
	if worker == nil {
		return nil, ErrNilWorker
	}
	if len(eps) != size {
		return nil, fmt.Errorf("%w: got %d entries for size %d", ErrEndpointTable, len(eps), size)
	}
	return newCommunicator(engine, worker, eps, size, rank, true, opts)
}

func newCommunicator(engine Engine, worker Worker, eps []Endpoint, size, rank int, p2p bool, opts []Option) (*Communicator, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d, size %d", ErrBadClusterShape, rank, size)
	}

	c := &Communicator{
		id:         uuid.NewString(),
		size:       size,
		rank:       rank,
		engine:     engine,
		p2pEnabled: p2p,
		worker:     worker,
		eps:        eps,
		inflight:   make(map[RequestID]*inflightRequest),
		freeIDs:    make(map[RequestID]struct{}),
	}

	for _, opt := range opts {
		if err := opt(&c.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if c.cfg.waitTimeout == 0 {
		c.cfg.waitTimeout = defaultWaitTimeout
	}
	if c.cfg.clock == nil {
		c.cfg.clock = realClock{}
	}
	if c.cfg.logHandler != nil {
		c.logger = slog.New(c.cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(
		LabelCommID.L(c.id),
		LabelRank.L(rank),
		"size", size,
	)
	if c.cfg.msink == nil {
		c.cfg.msink = metrics.Default()
	}
	c.msink = c.cfg.msink

	stream, err := engine.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("comms: failed to open barrier stream: %w", err)
	}
	c.barrierStream = stream
	c.barrierSend = make([]byte, Int.Size())
	c.barrierRecv = make([]byte, Int.Size())

	c.logger.Debug("communicator created", "p2p", p2p)
	return c, nil
}

// ID is a unique identifier of this communicator instance, used as a
// telemetry label.
func (c *Communicator) ID() string { return c.id }

// Size returns the number of participants.
func (c *Communicator) Size() int { return c.size }

// Rank returns this participant's zero-based index.
func (c *Communicator) Rank() int { return c.rank }

// Unusable reports whether the communicator was poisoned by an
// asynchronous backend fault and must be rebuilt externally.
func (c *Communicator) Unusable() bool { return c.unusable.Load() }

// Split is not supported by the backend and always panics.
func (c *Communicator) Split(color, key int) *Communicator {
	c.fatal(fmt.Errorf("%w: color=%d key=%d", ErrSplitUnsupported, color, key))
	return nil
}

// AllReduce reduces count elements from send across all ranks with op and
// leaves the result in recv on every rank.
func (c *Communicator) AllReduce(send, recv []byte, count int, dt Datatype, op ReduceOp, stream Stream) {
	c.checkUsable()
	c.countCollective("allreduce", dt)
	if err := c.engine.AllReduce(send, recv, count, dt, op, stream); err != nil {
		c.fatal(fmt.Errorf("comms: allreduce issue failed: %w", err))
	}
}

// Broadcast broadcasts count elements from root into buf on every rank,
// in place.
func (c *Communicator) Broadcast(buf []byte, count int, dt Datatype, root int, stream Stream) {
	c.checkUsable()
	c.countCollective("bcast", dt)
	if err := c.engine.Broadcast(buf, buf, count, dt, root, stream); err != nil {
		c.fatal(fmt.Errorf("comms: bcast issue failed: %w", err))
	}
}

// Reduce reduces count elements from send across all ranks with op; the
// result lands in recv on root only.
func (c *Communicator) Reduce(send, recv []byte, count int, dt Datatype, op ReduceOp, root int, stream Stream) {
	c.checkUsable()
	c.countCollective("reduce", dt)
	if err := c.engine.Reduce(send, recv, count, dt, op, root, stream); err != nil {
		c.fatal(fmt.Errorf("comms: reduce issue failed: %w", err))
	}
}

// AllGather gathers sendcount elements from every rank into recv, in rank
// order, on every rank.
func (c *Communicator) AllGather(send, recv []byte, sendcount int, dt Datatype, stream Stream) {
	c.checkUsable()
	c.countCollective("allgather", dt)
	if err := c.engine.AllGather(send, recv, sendcount, dt, stream); err != nil {
		c.fatal(fmt.Errorf("comms: allgather issue failed: %w", err))
	}
}

// AllGatherV gathers a variable number of elements from every rank:
// rank r contributes recvcounts[r] elements, landing in recv at element
// offset displs[r] on every rank.
//
// The engine has no native variable-size all-gather, so the call is
// decomposed into size single-root broadcasts. They are all enqueued on
// the same stream, so they execute in order and every rank's data lands
// at its designated offset once the stream drains.
func (c *Communicator) AllGatherV(send, recv []byte, recvcounts, displs []int, dt Datatype, stream Stream) {
	c.checkUsable()
	c.countCollective("allgatherv", dt)
	if len(recvcounts) != c.size || len(displs) != c.size {
		c.fatal(fmt.Errorf("comms: allgatherv needs one recvcount and one displacement per rank, got %d/%d for size %d",
			len(recvcounts), len(displs), c.size))
	}
	es := dt.Size()
	for root := 0; root < c.size; root++ {
		lo := displs[root] * es
		hi := lo + recvcounts[root]*es
		if lo < 0 || hi > len(recv) {
			c.fatal(fmt.Errorf("comms: allgatherv segment for root %d is [%d, %d) but the receive buffer has %d bytes",
				root, lo, hi, len(recv)))
		}
		if err := c.engine.Broadcast(send, recv[lo:hi], recvcounts[root], dt, root, stream); err != nil {
			c.fatal(fmt.Errorf("comms: allgatherv bcast from root %d failed: %w", root, err))
		}
	}
}

// ReduceScatter reduces size*recvcount elements from send across all
// ranks with op and scatters the result: rank r receives chunk r, of
// recvcount elements, in recv.
func (c *Communicator) ReduceScatter(send, recv []byte, recvcount int, dt Datatype, op ReduceOp, stream Stream) {
	c.checkUsable()
	c.countCollective("reducescatter", dt)
	if err := c.engine.ReduceScatter(send, recv, recvcount, dt, op, stream); err != nil {
		c.fatal(fmt.Errorf("comms: reducescatter issue failed: %w", err))
	}
}

// Barrier blocks until every participant reached it. The engine has no
// dedicated primitive, so it all-reduces a one-element scratch buffer on
// the communicator's private stream and forces a blocking sync.
func (c *Communicator) Barrier() {
	c.checkUsable()
	c.msink.IncrCounterWithLabels(MetricBarrierCount, 1, c.metricLabels())
	for i := range c.barrierSend {
		c.barrierSend[i] = 1
	}
	for i := range c.barrierRecv {
		c.barrierRecv[i] = 1
	}
	c.AllReduce(c.barrierSend, c.barrierRecv, 1, Int, Sum, c.barrierStream)
	if st := c.SyncStream(c.barrierStream); st != StatusSuccess {
		c.fatal(fmt.Errorf("comms: barrier sync returned %s, this can be caused by a failed rank", st))
	}
}

// Close releases the resources the communicator owns: its barrier stream
// and scratch buffers. Release failures are logged, not returned, since
// no caller can act on them. Close is idempotent.
func (c *Communicator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.barrierStream.Close(); err != nil {
		c.logger.Error("failed to release barrier stream", LabelError.L(err))
	}
	c.barrierSend = nil
	c.barrierRecv = nil
	c.logger.Debug("communicator closed")
}

func (c *Communicator) countCollective(op string, dt Datatype) {
	c.msink.IncrCounterWithLabels(MetricCollectiveCount, 1,
		append(c.metricLabels(), LabelOp.M(op), LabelDatatype.M(dt.String())))
}

func (c *Communicator) metricLabels() []metrics.Label {
	// Never append in place: the caller's slice may have spare capacity.
	labels := make([]metrics.Label, 0, len(c.cfg.metricLabels)+2)
	labels = append(labels, c.cfg.metricLabels...)
	return append(labels,
		LabelCommID.M(c.id),
		LabelRank.M(strconv.Itoa(c.rank)),
	)
}

func (c *Communicator) checkUsable() {
	if c.unusable.Load() {
		c.fatal(ErrCommAborted)
	}
}

// fatal reports an unrecoverable error. Collective state cannot be safely
// resumed after a failed issue, so this layer never retries.
func (c *Communicator) fatal(err error) {
	c.logger.Error("fatal communicator error", LabelError.L(err))
	panic(err)
}
