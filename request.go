package comms

import (
	"fmt"
	"runtime"
)

// RequestID is an opaque handle to one in-flight point-to-point
// operation. Ids are unique among in-flight operations; a retired id may
// re-enter circulation after WaitAll reclaimed it.
type RequestID uint64

// inflightRequest is the record attached to a RequestID while the
// operation is outstanding. Exclusively owned by the communicator.
type inflightRequest struct {
	req  Request
	send bool
	peer int
	tag  int
}

// allocateID returns an arbitrary member of the free-id set if non-empty,
// else the next value of the monotonic counter.
func (c *Communicator) allocateID() RequestID {
	for id := range c.freeIDs {
		delete(c.freeIDs, id)
		return id
	}
	id := c.nextRequestID
	c.nextRequestID++
	return id
}

// Isend issues a non-blocking send of buf to rank dest, tagged with tag,
// and returns immediately with the new request's id. buf must not be
// mutated until WaitAll retired the id.
func (c *Communicator) Isend(buf []byte, dest, tag int) RequestID {
	ep := c.p2pEndpoint(dest)
	id := c.allocateID()
	req, err := c.worker.Isend(ep, buf, tag, c.rank)
	if err != nil {
		c.fatal(fmt.Errorf("comms: isend to rank %d failed: %w", dest, err))
	}
	c.inflight[id] = &inflightRequest{req: req, send: true, peer: dest, tag: tag}

	labels := append(c.metricLabels(), LabelPeer.M(fmt.Sprint(dest)))
	c.msink.IncrCounterWithLabels(MetricSendCount, 1, labels)
	c.msink.IncrCounterWithLabels(MetricSendBytes, float32(len(buf)), labels)
	c.logger.Debug("issued send",
		"request_id", uint64(id), LabelPeer.L(dest), "tag", tag, "bytes", len(buf))
	return id
}

// Irecv issues a non-blocking receive into buf, matching exactly on
// (tag, source); there is no wildcard receive. Returns the new request's
// id immediately.
func (c *Communicator) Irecv(buf []byte, source, tag int) RequestID {
	ep := c.p2pEndpoint(source)
	id := c.allocateID()
	req, err := c.worker.Irecv(ep, buf, tag, source)
	if err != nil {
		c.fatal(fmt.Errorf("comms: irecv from rank %d failed: %w", source, err))
	}
	c.inflight[id] = &inflightRequest{req: req, send: false, peer: source, tag: tag}

	labels := append(c.metricLabels(), LabelPeer.M(fmt.Sprint(source)))
	c.msink.IncrCounterWithLabels(MetricRecvCount, 1, labels)
	c.msink.IncrCounterWithLabels(MetricRecvBytes, float32(len(buf)), labels)
	c.logger.Debug("issued recv",
		"request_id", uint64(id), LabelPeer.L(source), "tag", tag, "bytes", len(buf))
	return id
}

func (c *Communicator) p2pEndpoint(peer int) Endpoint {
	c.checkUsable()
	if !c.p2pEnabled {
		c.fatal(ErrP2PNotEnabled)
	}
	if peer < 0 || peer >= c.size {
		c.fatal(fmt.Errorf("%w: rank %d with cluster size %d", ErrPeerOutOfRange, peer, c.size))
	}
	ep := c.eps[peer]
	if ep == nil {
		c.fatal(fmt.Errorf("%w: rank %d", ErrPeerUnreachable, peer))
	}
	return ep
}

// WaitAll blocks until every id in ids is fully retired, driving the
// transport's progress step from the calling goroutine.
//
// An id unknown to the communicator fails immediately, before any
// polling. Validated ids become reusable as soon as WaitAll claims them,
// even though the underlying operation may still be draining; callers
// must not exceed the transport's capacity for concurrently outstanding
// operations.
//
// The wait is bounded by a wall-clock timeout measured from the last
// observed progress; running past it signals a hung or failed peer and is
// fatal.
func (c *Communicator) WaitAll(ids ...RequestID) {
	c.checkUsable()
	if !c.p2pEnabled {
		c.fatal(ErrP2PNotEnabled)
	}

	pending := make([]*inflightRequest, 0, len(ids))
	for _, id := range ids {
		fl, ok := c.inflight[id]
		if !ok {
			c.fatal(fmt.Errorf("%w: %d", ErrUnknownRequest, id))
		}
		pending = append(pending, fl)
		c.freeIDs[id] = struct{}{}
		delete(c.inflight, id)
	}

	start := c.cfg.clock.Now()
	for len(pending) > 0 {
		if c.cfg.clock.Now().Sub(start) >= c.cfg.waitTimeout {
			c.msink.IncrCounterWithLabels(MetricWaitTimeout, 1, c.metricLabels())
			c.fatal(fmt.Errorf("%w: %d requests still pending after %s without progress",
				ErrWaitTimeout, len(pending), c.cfg.waitTimeout))
		}

		progressed := false
		for c.worker.Progress() != 0 {
			progressed = true
		}

		kept := pending[:0]
		remaining := len(pending)
		for _, fl := range pending {
			needsRelease := fl.req.NeedsRelease()
			if needsRelease {
				if err := fl.req.Err(); err != nil {
					c.fatal(fmt.Errorf("%w (peer %d, tag %d): %w", ErrRequestFailed, fl.peer, fl.tag, err))
				}
				if !fl.req.Completed() {
					kept = append(kept, fl)
					continue
				}
			}
			// Completed synchronously at issue time, or the completion
			// flag is now set: release and retire. Release is the last
			// touch of the request.
			fl.req.Release()
			remaining--
			progressed = true
			c.msink.IncrCounterWithLabels(MetricRequestDone, 1, c.metricLabels())
			c.logger.Debug("request completed",
				LabelPeer.L(fl.peer),
				"tag", fl.tag,
				"is_send", fl.send,
				"completed_immediately", !needsRelease,
				"num_left", remaining,
			)
		}
		pending = kept

		// Any removal or transport advancement resets the timeout clock.
		if progressed {
			start = c.cfg.clock.Now()
		} else {
			runtime.Gosched()
		}
	}
}
