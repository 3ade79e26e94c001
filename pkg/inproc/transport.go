package inproc

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hpckit/comms"
)

var errForeignEndpoint = errors.New("inproc: endpoint was not produced by this cluster")

// Endpoint is a connection handle to one peer's worker.
type Endpoint struct {
	w *Worker
}

// message is an inbound payload queued at the destination until a
// matching receive is posted and progress is driven.
type message struct {
	from    int
	tag     int
	payload []byte
	sreq    *request
}

// Worker is one rank's point-to-point transport. It implements
// comms.Worker and comms.RawEndpointDecoder.
type Worker struct {
	c    *Cluster
	rank int

	mu    sync.Mutex
	inbox []*message
	recvs []*request
}

// Rank returns the rank this worker belongs to.
func (w *Worker) Rank() int { return w.rank }

// Isend queues buf at the destination. If a matching receive is already
// posted there, the message is delivered inline and the send completes
// synchronously at issue time.
func (w *Worker) Isend(ep comms.Endpoint, buf []byte, tag int, sender int) (comms.Request, error) {
	e, ok := ep.(*Endpoint)
	if !ok {
		return nil, errForeignEndpoint
	}
	dst := e.w

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for i, r := range dst.recvs {
		if r.tag == tag && r.peer == sender {
			dst.recvs = slices.Delete(dst.recvs, i, i+1)
			r.complete(deliver(r.buf, buf))
			return &request{needsRelease: false}, nil
		}
	}

	sreq := &request{needsRelease: true}
	dst.inbox = append(dst.inbox, &message{
		from:    sender,
		tag:     tag,
		payload: slices.Clone(buf),
		sreq:    sreq,
	})
	return sreq, nil
}

// Irecv posts a receive for a message from source with exactly tag.
// Completion is observed only by driving Progress.
func (w *Worker) Irecv(ep comms.Endpoint, buf []byte, tag int, source int) (comms.Request, error) {
	if _, ok := ep.(*Endpoint); !ok {
		return nil, errForeignEndpoint
	}
	r := &request{needsRelease: true, buf: buf, tag: tag, peer: source}
	w.mu.Lock()
	w.recvs = append(w.recvs, r)
	w.mu.Unlock()
	return r, nil
}

// Progress matches queued inbound messages against posted receives and
// returns the number of deliveries made.
func (w *Worker) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	matched := 0
	remaining := w.inbox[:0]
	for _, m := range w.inbox {
		idx := -1
		for i, r := range w.recvs {
			if r.tag == m.tag && r.peer == m.from {
				idx = i
				break
			}
		}
		if idx < 0 {
			remaining = append(remaining, m)
			continue
		}
		r := w.recvs[idx]
		w.recvs = slices.Delete(w.recvs, idx, idx+1)
		err := deliver(r.buf, m.payload)
		r.complete(err)
		m.sreq.complete(err)
		matched++
	}
	w.inbox = remaining
	return matched
}

// EndpointFromRaw rebuilds a typed endpoint handle from its raw
// integer-encoded address (rank + 1; zero is reserved for "no endpoint").
func (w *Worker) EndpointFromRaw(raw uint64) (comms.Endpoint, error) {
	peer := int(raw) - 1
	if peer < 0 || peer >= w.c.size {
		return nil, fmt.Errorf("inproc: raw endpoint address %d out of range for size %d", raw, w.c.size)
	}
	return &Endpoint{w: w.c.workers[peer]}, nil
}

func deliver(dst, payload []byte) error {
	if len(payload) > len(dst) {
		return fmt.Errorf("inproc: message of %d bytes does not fit receive buffer of %d bytes",
			len(payload), len(dst))
	}
	copy(dst, payload)
	return nil
}

// request implements comms.Request for both directions.
type request struct {
	needsRelease bool

	mu        sync.Mutex
	completed bool
	released  bool
	err       error

	// receive matching state
	buf  []byte
	tag  int
	peer int
}

func (r *request) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *request) NeedsRelease() bool { return r.needsRelease }

func (r *request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *request) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

func (r *request) complete(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
	r.err = err
}
