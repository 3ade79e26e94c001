// Package quictransport is a point-to-point transport worker running
// over QUIC. Every message travels on its own unidirectional stream,
// prefixed by a fixed frame header carrying the tag, the sender rank and
// the payload length. Peers authenticate each other with mutual TLS.
//
// The worker fits the comms progress model: inbound frames are queued as
// they arrive, but a posted receive completes only when Progress matches
// it against the queue, which WaitAll drives from the calling goroutine.
package quictransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"

	"github.com/hpckit/comms"
)

// frame header: tag, sender rank, payload length, all big-endian uint32.
const frameHeaderSize = 12

// maxFramePayload bounds a single message; anything larger is a protocol
// violation and the stream is dropped.
const maxFramePayload = 1 << 26

const defaultDialTimeout = 30 * time.Second

var (
	ErrNoTLSConfig = errors.New("quictransport: TlsConfig is required")
	ErrInvalidAddr = errors.New("quictransport: the address you provided is invalid")
	ErrShutdown    = errors.New("quictransport: shutting down")

	errForeignEndpoint = errors.New("quictransport: endpoint was not produced by this worker")
)

var (
	MetricFrameOutBytes      = []string{"quictransport", "frame", "out", "bytes"}
	MetricFrameOutErrorCount = []string{"quictransport", "frame", "out", "error", "count"}
	MetricFrameInBytes       = []string{"quictransport", "frame", "in", "bytes"}
	MetricFrameInErrorCount  = []string{"quictransport", "frame", "in", "error", "count"}
)

// Config for a transport worker.
type Config struct {
	// TlsConfig should be configured to ensure mTLS is enabled between
	// the peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the worker listens. A zero port
	// picks an ephemeral one; read it back with Addr.
	BindAddr string
	BindPort int

	// DialTimeout bounds endpoint establishment and per-message stream
	// opening.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the worker.
	MetricLabels []metrics.Label
}

// Endpoint is a connection handle to one peer.
type Endpoint struct {
	conn quic.Connection
}

type inbound struct {
	from    int
	tag     int
	payload []byte
}

// Worker implements comms.Worker over QUIC.
type Worker struct {
	cfg    *Config
	logger *slog.Logger
	msink  metrics.MetricSink

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	mu    sync.Mutex
	inbox []*inbound
	recvs []*request
}

// NewWorker binds the UDP socket, starts the QUIC listener and the
// accept loop. The returned worker is ready to Dial peers and be handed
// to comms.NewP2P.
func NewWorker(cfg *Config) (w *Worker, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	w = &Worker{cfg: cfg}
	if cfg.LogHandler == nil {
		w.logger = slog.Default()
	} else {
		w.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		w.msink = metrics.Default()
	} else {
		w.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("quictransport: failed to allocate UDP listener: %w", err)
	}
	w.udpLn = udpLn

	w.tr = &quic.Transport{Conn: udpLn}
	ln, err := w.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingUniStreams: 1 << 16,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("quictransport: failed to allocate QUIC listener: %w", err)
	}
	w.ln = ln

	go w.acceptLoop()
	return w, nil
}

// Addr returns the address the worker actually listens on.
func (w *Worker) Addr() string {
	return w.udpLn.LocalAddr().String()
}

// Dial establishes a connection handle to the peer listening at target.
func (w *Worker) Dial(ctx context.Context, target string) (comms.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.dialTimeout())
	defer cancel()
	conn, err := w.tr.Dial(ctx, addr, w.cfg.TlsConfig, nil)
	if w.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	// The peer may answer on the same connection instead of dialing us.
	go w.handleConn(conn)
	return &Endpoint{conn: conn}, nil
}

// Isend writes buf to the peer on a fresh unidirectional stream. The
// write happens in the background; completion is observed through the
// returned request.
func (w *Worker) Isend(ep comms.Endpoint, buf []byte, tag int, sender int) (comms.Request, error) {
	e, ok := ep.(*Endpoint)
	if !ok {
		return nil, errForeignEndpoint
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(tag))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(sender))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(buf)))

	req := &request{needsRelease: true}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.dialTimeout())
		defer cancel()

		stream, err := e.conn.OpenUniStreamSync(ctx)
		if err != nil {
			w.sendFailed(req, fmt.Errorf("quictransport: cannot open stream: %w", err))
			return
		}
		if _, err := stream.Write(hdr[:]); err != nil {
			w.sendFailed(req, fmt.Errorf("quictransport: error writing frame header: %w", err))
			return
		}
		if _, err := stream.Write(buf); err != nil {
			w.sendFailed(req, fmt.Errorf("quictransport: error writing frame payload: %w", err))
			return
		}
		if err := stream.Close(); err != nil {
			w.sendFailed(req, fmt.Errorf("quictransport: error finishing frame: %w", err))
			return
		}
		w.msink.IncrCounterWithLabels(MetricFrameOutBytes,
			float32(frameHeaderSize+len(buf)), w.cfg.MetricLabels)
		req.complete(nil)
	}()
	return req, nil
}

// Irecv posts a receive for a frame from source with exactly tag.
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

// Progress matches queued inbound frames against posted receives and
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
		if len(m.payload) > len(r.buf) {
			r.complete(fmt.Errorf("quictransport: frame of %d bytes does not fit receive buffer of %d bytes",
				len(m.payload), len(r.buf)))
		} else {
			copy(r.buf, m.payload)
			r.complete(nil)
		}
		matched++
	}
	w.inbox = remaining
	return matched
}

// Close tears the worker down. Release failures are logged, not
// returned. Close is idempotent.
func (w *Worker) Close() error {
	if !w.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	if w.ln != nil {
		w.ln.Close()
	}
	if w.tr != nil {
		if err := w.tr.Close(); err != nil {
			w.logger.Error("failed to close QUIC transport", "error", err)
		}
	}
	if w.udpLn != nil {
		if err := w.udpLn.Close(); err != nil {
			w.logger.Error("failed to close UDP listener", "error", err)
		}
	}
	return nil
}

func (w *Worker) dialTimeout() time.Duration {
	if w.cfg.DialTimeout == 0 {
		return defaultDialTimeout
	}
	return w.cfg.DialTimeout
}

func (w *Worker) sendFailed(req *request, err error) {
	w.msink.IncrCounterWithLabels(MetricFrameOutErrorCount, 1, w.cfg.MetricLabels)
	w.logger.Error("send failed", "error", err)
	req.complete(err)
}

func (w *Worker) acceptLoop() {
	for {
		conn, err := w.ln.Accept(context.Background())
		if err != nil {
			if !w.gracefulTerm.Load() {
				w.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		go w.handleConn(conn)
	}
}

func (w *Worker) handleConn(conn quic.Connection) {
	ctx := conn.Context()
	logger := w.logger.With("remote", conn.RemoteAddr())
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if w.gracefulTerm.Load() || ctx.Err() != nil {
				return
			}
			logger.Warn("error accepting stream", "error", err)
			return
		}
		go w.readFrame(logger, stream)
	}
}

func (w *Worker) readFrame(logger *slog.Logger, stream quic.ReceiveStream) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		if w.gracefulTerm.Load() {
			return
		}
		w.msink.IncrCounterWithLabels(MetricFrameInErrorCount, 1, w.cfg.MetricLabels)
		logger.Error("error reading frame header", "error", err)
		return
	}

	tag := binary.BigEndian.Uint32(hdr[0:4])
	from := binary.BigEndian.Uint32(hdr[4:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxFramePayload {
		w.msink.IncrCounterWithLabels(MetricFrameInErrorCount, 1, w.cfg.MetricLabels)
		logger.Error("frame payload exceeds limit", "length", length)
		return
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(stream, payload); err != nil {
		w.msink.IncrCounterWithLabels(MetricFrameInErrorCount, 1, w.cfg.MetricLabels)
		logger.Error("error reading frame payload", "error", err)
		return
	}

	w.mu.Lock()
	w.inbox = append(w.inbox, &inbound{from: int(from), tag: int(tag), payload: payload})
	w.mu.Unlock()
	w.msink.IncrCounterWithLabels(MetricFrameInBytes,
		float32(frameHeaderSize+length), w.cfg.MetricLabels)
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
