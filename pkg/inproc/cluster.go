// Package inproc wires N ranks of a single process into a working
// collective engine and point-to-point transport. It backs the test
// suite and the demo CLI, and is usable on its own for single-host runs
// where every rank is a goroutine.
//
// Collective matching is positional: every rank must issue the same
// sequence of collective operations, and the k-th collective of one rank
// rendezvouses with the k-th collective of every other rank. Buffers are
// interpreted in little-endian byte order.
package inproc

import (
	"fmt"
	"sync"

	"github.com/hpckit/comms"
)

// Cluster owns the shared state of all in-process ranks: the collective
// rendezvous table, the per-rank engines and transport workers, and the
// injected-fault flag used to simulate asynchronous backend failures.
type Cluster struct {
	size int

	mu      sync.Mutex
	ops     map[int]*rendezvous
	fault   error
	aborted bool
	abortCh chan struct{}

	engines []*Engine
	workers []*Worker
}

// NewCluster builds a cluster of size ranks.
func NewCluster(size int) *Cluster {
	if size <= 0 {
		panic(fmt.Sprintf("inproc: cluster size must be positive, got %d", size))
	}
	c := &Cluster{
		size:    size,
		ops:     make(map[int]*rendezvous),
		abortCh: make(chan struct{}),
	}
	for rank := 0; rank < size; rank++ {
		c.engines = append(c.engines, &Engine{c: c, rank: rank})
		c.workers = append(c.workers, &Worker{c: c, rank: rank})
	}
	return c
}

func (c *Cluster) Size() int { return c.size }

// Engine returns rank's collective engine.
func (c *Cluster) Engine(rank int) *Engine { return c.engines[rank] }

// Worker returns rank's transport worker.
func (c *Cluster) Worker(rank int) *Worker { return c.workers[rank] }

// Endpoints returns rank's endpoint table, one connection handle per
// peer, self included.
func (c *Cluster) Endpoints(rank int) []comms.Endpoint {
	eps := make([]comms.Endpoint, c.size)
	for peer := 0; peer < c.size; peer++ {
		eps[peer] = &Endpoint{w: c.workers[peer]}
	}
	return eps
}

// RawEndpoints returns rank's endpoint table as raw integer-encoded
// addresses, as a foreign bootstrap layer would hand them over. Decode
// them back with Worker.EndpointFromRaw.
func (c *Cluster) RawEndpoints(rank int) []uint64 {
	raw := make([]uint64, c.size)
	for peer := 0; peer < c.size; peer++ {
		raw[peer] = uint64(peer) + 1
	}
	return raw
}

// InjectFault simulates an asynchronous backend fault. Every engine of
// the cluster reports it through AsyncError until the cluster is rebuilt.
func (c *Cluster) InjectFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault == nil {
		c.fault = err
	}
}

// abort releases the collective state: every rank blocked in a
// rendezvous is woken up with the cluster fault.
func (c *Cluster) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	if c.fault == nil {
		c.fault = errAborted
	}
	close(c.abortCh)
}

func (c *Cluster) asyncError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// join is the rendezvous of one rank's collective number seq with the
// same collective of every other rank. The last rank to arrive computes
// the results into every rank's receive buffer; the others block until
// then, or until the cluster aborts.
func (c *Cluster) join(seq int, rank int, op collective) error {
	c.mu.Lock()
	if c.aborted {
		fault := c.fault
		c.mu.Unlock()
		return fault
	}

	r, ok := c.ops[seq]
	if !ok {
		r = &rendezvous{
			shape: op.shape,
			sends: make([][]byte, c.size),
			recvs: make([][]byte, c.size),
			done:  make(chan struct{}),
		}
		c.ops[seq] = r
	} else if r.shape != op.shape {
		r.err = fmt.Errorf("inproc: collective %d mismatch: rank %d issued %+v, another rank issued %+v",
			seq, rank, op.shape, r.shape)
	}
	r.sends[rank] = op.send
	r.recvs[rank] = op.recv
	r.arrived++

	if r.arrived == c.size {
		if r.err == nil {
			r.err = r.compute(c.size)
		}
		delete(c.ops, seq)
		close(r.done)
		c.mu.Unlock()
		return r.err
	}
	c.mu.Unlock()

	select {
	case <-r.done:
		return r.err
	case <-c.abortCh:
		return c.asyncError()
	}
}
