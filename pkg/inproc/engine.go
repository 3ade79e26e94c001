package inproc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hpckit/comms"
)

var (
	errAborted       = errors.New("inproc: collective context aborted")
	errForeignStream = errors.New("inproc: stream was not opened by this engine")
	errStreamClosed  = errors.New("inproc: stream is closed")
)

// Engine is one rank's collective context. It implements comms.Engine.
type Engine struct {
	c    *Cluster
	rank int

	mu  sync.Mutex
	seq int
}

// Rank returns the rank this engine belongs to.
func (e *Engine) Rank() int { return e.rank }

// next assigns the position of the collective being issued in this
// rank's issue order; matching across ranks is positional.
func (e *Engine) next() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.seq
	e.seq++
	return seq
}

func (e *Engine) OpenStream() (comms.Stream, error) {
	s := &stream{eng: e, wake: make(chan struct{}, 1)}
	go s.run()
	return s, nil
}

func (e *Engine) AsyncError() error { return e.c.asyncError() }

func (e *Engine) Abort() error {
	e.c.abort()
	return nil
}

func (e *Engine) AllReduce(send, recv []byte, count int, dt comms.Datatype, op comms.ReduceOp, st comms.Stream) error {
	s, err := e.ownStream(st)
	if err != nil {
		return err
	}
	if err := checkLen("allreduce send", send, count, dt); err != nil {
		return err
	}
	if err := checkLen("allreduce recv", recv, count, dt); err != nil {
		return err
	}
	return e.issue(s, collective{
		shape: opShape{kind: opAllReduce, count: count, dt: dt, rop: op},
		send:  send,
		recv:  recv,
	})
}

func (e *Engine) Broadcast(send, recv []byte, count int, dt comms.Datatype, root int, st comms.Stream) error {
	s, err := e.ownStream(st)
	if err != nil {
		return err
	}
	if err := e.checkRoot(root); err != nil {
		return err
	}
	// Only the root's send buffer is read.
	if e.rank == root {
		if err := checkLen("broadcast send", send, count, dt); err != nil {
			return err
		}
	}
	if err := checkLen("broadcast recv", recv, count, dt); err != nil {
		return err
	}
	return e.issue(s, collective{
		shape: opShape{kind: opBroadcast, count: count, dt: dt, root: root},
		send:  send,
		recv:  recv,
	})
}

func (e *Engine) Reduce(send, recv []byte, count int, dt comms.Datatype, op comms.ReduceOp, root int, st comms.Stream) error {
	s, err := e.ownStream(st)
	if err != nil {
		return err
	}
	if err := e.checkRoot(root); err != nil {
		return err
	}
	if err := checkLen("reduce send", send, count, dt); err != nil {
		return err
	}
	// Only the root receives the result.
	if e.rank == root {
		if err := checkLen("reduce recv", recv, count, dt); err != nil {
			return err
		}
	}
	return e.issue(s, collective{
		shape: opShape{kind: opReduce, count: count, dt: dt, rop: op, root: root},
		send:  send,
		recv:  recv,
	})
}

func (e *Engine) AllGather(send, recv []byte, count int, dt comms.Datatype, st comms.Stream) error {
	s, err := e.ownStream(st)
	if err != nil {
		return err
	}
	if err := checkLen("allgather send", send, count, dt); err != nil {
		return err
	}
	if err := checkLen("allgather recv", recv, count*e.c.size, dt); err != nil {
		return err
	}
	return e.issue(s, collective{
		shape: opShape{kind: opAllGather, count: count, dt: dt},
		send:  send,
		recv:  recv,
	})
}

func (e *Engine) ReduceScatter(send, recv []byte, count int, dt comms.Datatype, op comms.ReduceOp, st comms.Stream) error {
	s, err := e.ownStream(st)
	if err != nil {
		return err
	}
	if err := checkLen("reducescatter send", send, count*e.c.size, dt); err != nil {
		return err
	}
	if err := checkLen("reducescatter recv", recv, count, dt); err != nil {
		return err
	}
	return e.issue(s, collective{
		shape: opShape{kind: opReduceScatter, count: count, dt: dt, rop: op},
		send:  send,
		recv:  recv,
	})
}

func (e *Engine) issue(s *stream, op collective) error {
	seq := e.next()
	return s.enqueue(func() error {
		return e.c.join(seq, e.rank, op)
	})
}

func (e *Engine) ownStream(st comms.Stream) (*stream, error) {
	s, ok := st.(*stream)
	if !ok || s.eng != e {
		return nil, errForeignStream
	}
	return s, nil
}

func (e *Engine) checkRoot(root int) error {
	if root < 0 || root >= e.c.size {
		return fmt.Errorf("inproc: root rank %d out of range for size %d", root, e.c.size)
	}
	return nil
}

func checkLen(what string, buf []byte, count int, dt comms.Datatype) error {
	if count < 0 {
		return fmt.Errorf("inproc: %s element count is negative: %d", what, count)
	}
	if need := count * dt.Size(); len(buf) < need {
		return fmt.Errorf("inproc: %s buffer has %d bytes, needs %d", what, len(buf), need)
	}
	return nil
}

// stream is an ordered execution queue: a dedicated goroutine runs the
// enqueued operations one at a time, in issue order. The queue is
// unbounded, so issuing never blocks, no matter how many collectives
// are backed up behind a stalled rendezvous.
type stream struct {
	eng     *Engine
	pending atomic.Int64

	mu     sync.Mutex
	queue  []func() error
	closed bool
	wake   chan struct{}
}

func (s *stream) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := fn(); err != nil {
			// Operations execute after the issue call returned, so a
			// failure here surfaces as an asynchronous engine fault.
			s.eng.c.InjectFault(err)
		}
		s.pending.Add(-1)
	}
}

func (s *stream) enqueue(fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStreamClosed
	}
	s.pending.Add(1)
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.notify()
	return nil
}

// notify wakes the executor; the buffered channel makes the wakeup
// sticky so none is ever missed.
func (s *stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) Query() (bool, error) {
	return s.pending.Load() == 0, nil
}

// Close stops the executor once the already-queued operations drained.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.notify()
	return nil
}
