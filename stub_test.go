package comms

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test doubles for the backend boundary, so that completion and timeout
// behavior is exercised without a live transport or real delay.

type stubStream struct {
	done bool
	err  error
}

func (s *stubStream) Query() (bool, error) { return s.done, s.err }
func (s *stubStream) Close() error         { return nil }

type stubEngine struct {
	asyncErr error
	aborted  bool
	issueErr error
}

func (e *stubEngine) AllReduce(_, _ []byte, _ int, _ Datatype, _ ReduceOp, _ Stream) error {
	return e.issueErr
}

func (e *stubEngine) Broadcast(_, _ []byte, _ int, _ Datatype, _ int, _ Stream) error {
	return e.issueErr
}

func (e *stubEngine) Reduce(_, _ []byte, _ int, _ Datatype, _ ReduceOp, _ int, _ Stream) error {
	return e.issueErr
}

func (e *stubEngine) AllGather(_, _ []byte, _ int, _ Datatype, _ Stream) error {
	return e.issueErr
}

func (e *stubEngine) ReduceScatter(_, _ []byte, _ int, _ Datatype, _ ReduceOp, _ Stream) error {
	return e.issueErr
}

func (e *stubEngine) OpenStream() (Stream, error) { return &stubStream{done: true}, nil }
func (e *stubEngine) AsyncError() error           { return e.asyncErr }
func (e *stubEngine) Abort() error                { e.aborted = true; return nil }

type stubRequest struct {
	completed    bool
	needsRelease bool
	released     bool
	err          error

	// set if any accessor runs after Release; Release must be the last
	// touch of a request
	touchedAfterRelease bool
}

func (r *stubRequest) Completed() bool {
	if r.released {
		r.touchedAfterRelease = true
	}
	return r.completed
}

func (r *stubRequest) NeedsRelease() bool {
	if r.released {
		r.touchedAfterRelease = true
	}
	return r.needsRelease
}

func (r *stubRequest) Err() error {
	if r.released {
		r.touchedAfterRelease = true
	}
	return r.err
}

func (r *stubRequest) Release() { r.released = true }

type stubEndpoint struct{ peer int }

type stubWorker struct {
	progressCalls int
	onProgress    func(w *stubWorker) int
	issued        []*stubRequest
}

func (w *stubWorker) Isend(_ Endpoint, _ []byte, _ int, _ int) (Request, error) {
	r := &stubRequest{needsRelease: true}
	w.issued = append(w.issued, r)
	return r, nil
}

func (w *stubWorker) Irecv(_ Endpoint, _ []byte, _ int, _ int) (Request, error) {
	r := &stubRequest{needsRelease: true}
	w.issued = append(w.issued, r)
	return r, nil
}

func (w *stubWorker) Progress() int {
	w.progressCalls++
	if w.onProgress != nil {
		return w.onProgress(w)
	}
	return 0
}

// fakeClock advances by step on every reading, so polling loops converge
// on their timeout deterministically.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func discardLog() Option {
	return WithLog(slog.NewTextHandler(io.Discard, nil))
}

func newTestComm(t *testing.T, engine *stubEngine, worker *stubWorker, opts ...Option) *Communicator {
	t.Helper()
	eps := []Endpoint{&stubEndpoint{peer: 0}, &stubEndpoint{peer: 1}}
	opts = append([]Option{
		discardLog(),
		WithMetricSink(nil),
		WithClock(&fakeClock{step: time.Microsecond}),
	}, opts...)
	c, err := NewP2P(engine, worker, eps, 2, 0, opts...)
	require.NoError(t, err)
	return c
}

// requirePanicsWithErr asserts that f panics with an error matching want.
func requirePanicsWithErr(t *testing.T, want error, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value is not an error: %v", r)
		require.ErrorIs(t, err, want)
	}()
	f()
}
