package inproc

import (
	"fmt"

	"github.com/hpckit/comms"
)

type opKind int

const (
	opAllReduce opKind = iota
	opBroadcast
	opReduce
	opAllGather
	opReduceScatter
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "allreduce"
	case opBroadcast:
		return "broadcast"
	case opReduce:
		return "reduce"
	case opAllGather:
		return "allgather"
	case opReduceScatter:
		return "reducescatter"
	}
	panic(fmt.Sprintf("inproc: unknown op kind %d", int(k)))
}

// opShape is everything about a collective that must agree across ranks.
type opShape struct {
	kind  opKind
	count int
	dt    comms.Datatype
	rop   comms.ReduceOp
	root  int
}

// collective is one rank's contribution to a rendezvous.
type collective struct {
	shape opShape
	send  []byte
	recv  []byte
}

// rendezvous gathers the per-rank contributions of one collective and
// resolves them once the last rank arrived. Guarded by the cluster lock.
type rendezvous struct {
	shape   opShape
	sends   [][]byte
	recvs   [][]byte
	arrived int
	done    chan struct{}
	err     error
}

// compute resolves the collective into every rank's receive buffer. It
// runs on the goroutine of the last rank to arrive, while all others are
// still blocked, so writing into their buffers is safe.
func (r *rendezvous) compute(size int) error {
	sh := r.shape
	es := sh.dt.Size()
	n := sh.count * es

	switch sh.kind {
	case opAllReduce:
		tmp := make([]byte, n)
		reduceInto(tmp, r.sends, sh.count, sh.dt, sh.rop)
		for _, recv := range r.recvs {
			copy(recv[:n], tmp)
		}

	case opBroadcast:
		src := r.sends[sh.root]
		if len(src) < n {
			return fmt.Errorf("inproc: broadcast root %d send buffer has %d bytes, needs %d",
				sh.root, len(src), n)
		}
		for _, recv := range r.recvs {
			copy(recv[:n], src[:n])
		}

	case opReduce:
		tmp := make([]byte, n)
		reduceInto(tmp, r.sends, sh.count, sh.dt, sh.rop)
		copy(r.recvs[sh.root][:n], tmp)

	case opAllGather:
		for from, send := range r.sends {
			for _, recv := range r.recvs {
				copy(recv[from*n:(from+1)*n], send[:n])
			}
		}

	case opReduceScatter:
		total := sh.count * size
		tmp := make([]byte, total*es)
		reduceInto(tmp, r.sends, total, sh.dt, sh.rop)
		for rank, recv := range r.recvs {
			copy(recv[:n], tmp[rank*n:(rank+1)*n])
		}

	default:
		panic(fmt.Sprintf("inproc: unknown op kind %d", int(sh.kind)))
	}
	return nil
}
