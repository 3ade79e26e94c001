package comms

import (
	"errors"
	"testing"
)

func TestCollectiveIssueFailureIsFatal(t *testing.T) {
	issueErr := errors.New("backend rejected the operation")
	c := newTestComm(t, &stubEngine{issueErr: issueErr}, &stubWorker{})

	buf := make([]byte, 2*Int.Size())
	st := &stubStream{}

	requirePanicsWithErr(t, issueErr, func() {
		c.AllReduce(buf, buf, 1, Int, Sum, st)
	})
	requirePanicsWithErr(t, issueErr, func() {
		c.Broadcast(buf, 1, Int, 0, st)
	})
	requirePanicsWithErr(t, issueErr, func() {
		c.Reduce(buf, buf, 1, Int, Sum, 0, st)
	})
	requirePanicsWithErr(t, issueErr, func() {
		c.AllGather(buf[:Int.Size()], buf, 1, Int, st)
	})
	requirePanicsWithErr(t, issueErr, func() {
		c.ReduceScatter(buf, buf[:Int.Size()], 1, Int, Sum, st)
	})
	requirePanicsWithErr(t, issueErr, func() {
		c.AllGatherV(buf[:Int.Size()], buf, []int{1, 1}, []int{0, 1}, Int, st)
	})
}
