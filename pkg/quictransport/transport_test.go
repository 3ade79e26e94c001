package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/hpckit/comms"
	"github.com/hpckit/comms/pkg/inproc"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mutualTLS builds one mTLS config per node, all signed by a throwaway CA.
func mutualTLS(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
		return nil
	}
	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	cfgs := make([]*tls.Config, 0, len(names))
	for _, cn := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, cn)
		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("failed to parse leaf %s: %s", cn, err)
			return nil
		}
		cfgs = append(cfgs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return cfgs
}

func testHandler(t *testing.T, emitter string) slog.Handler {
	t.Helper()
	return slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestWorkerPingPong(t *testing.T) {
	tlsCfgs := mutualTLS(t, "node1", "node2")

	w1, err := NewWorker(&Config{
		TlsConfig:  tlsCfgs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testHandler(t, "node1"),
	})
	require.NoError(t, err)
	defer w1.Close()

	w2, err := NewWorker(&Config{
		TlsConfig:  tlsCfgs[1],
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testHandler(t, "node2"),
	})
	require.NoError(t, err)
	defer w2.Close()

	ep2, err := w1.Dial(context.Background(), w2.Addr())
	require.NoError(t, err)
	ep1, err := w2.Dial(context.Background(), w1.Addr())
	require.NoError(t, err)

	const tag = 7
	payload := []byte{1, 2, 3, 4}

	sreq, err := w1.Isend(ep2, payload, tag, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	rreq, err := w2.Irecv(ep1, buf, tag, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w2.Progress()
		return rreq.Completed()
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, rreq.Err())
	require.Equal(t, payload, buf)

	require.Eventually(t, sreq.Completed, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, sreq.Err())
}

func TestWorkerTagAndSourceMatching(t *testing.T) {
	tlsCfgs := mutualTLS(t, "node1", "node2")

	w1, err := NewWorker(&Config{
		TlsConfig:  tlsCfgs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testHandler(t, "node1"),
	})
	require.NoError(t, err)
	defer w1.Close()

	w2, err := NewWorker(&Config{
		TlsConfig:  tlsCfgs[1],
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testHandler(t, "node2"),
	})
	require.NoError(t, err)
	defer w2.Close()

	ep2, err := w1.Dial(context.Background(), w2.Addr())
	require.NoError(t, err)
	ep1, err := w2.Dial(context.Background(), w1.Addr())
	require.NoError(t, err)

	// Two frames with different tags; the receives must claim them by
	// tag regardless of arrival order.
	_, err = w1.Isend(ep2, []byte{0xA}, 1, 0)
	require.NoError(t, err)
	_, err = w1.Isend(ep2, []byte{0xB}, 2, 0)
	require.NoError(t, err)

	bufA := make([]byte, 1)
	bufB := make([]byte, 1)
	reqB, err := w2.Irecv(ep1, bufB, 2, 0)
	require.NoError(t, err)
	reqA, err := w2.Irecv(ep1, bufA, 1, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w2.Progress()
		return reqA.Completed() && reqB.Completed()
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, reqA.Err())
	require.NoError(t, reqB.Err())
	require.Equal(t, byte(0xA), bufA[0])
	require.Equal(t, byte(0xB), bufB[0])
}

func TestCommunicatorOverQUIC(t *testing.T) {
	tlsCfgs := mutualTLS(t, "node1", "node2")
	cl := inproc.NewCluster(2)

	workers := make([]*Worker, 2)
	for rank := range workers {
		w, err := NewWorker(&Config{
			TlsConfig:  tlsCfgs[rank],
			BindAddr:   "127.0.0.1",
			MetricSink: &metrics.BlackholeSink{},
			LogHandler: testHandler(t, "node"+string(rune('1'+rank))),
		})
		require.NoError(t, err)
		defer w.Close()
		workers[rank] = w
	}

	const tag = 11
	payload := []byte{0xCA, 0xFE}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = func() error {
				peer := 1 - rank
				ep, err := workers[rank].Dial(context.Background(), workers[peer].Addr())
				if err != nil {
					return err
				}
				eps := make([]comms.Endpoint, 2)
				eps[peer] = ep

				comm, err := comms.NewP2P(cl.Engine(rank), workers[rank], eps, 2, rank,
					comms.WithLog(testHandler(t, "comm")),
					comms.WithMetricSink(&metrics.BlackholeSink{}))
				if err != nil {
					return err
				}
				defer comm.Close()

				if rank == 0 {
					id := comm.Isend(payload, 1, tag)
					comm.WaitAll(id)
				} else {
					buf := make([]byte, len(payload))
					id := comm.Irecv(buf, 0, tag)
					comm.WaitAll(id)
					if buf[0] != payload[0] || buf[1] != payload[1] {
						return errors.New("payload corrupted in flight")
					}
				}
				comm.Barrier()
				return nil
			}()
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestWorkerRequiresTLS(t *testing.T) {
	_, err := NewWorker(&Config{BindAddr: "127.0.0.1"})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestWorkerRejectsForeignEndpoint(t *testing.T) {
	tlsCfgs := mutualTLS(t, "node1")
	w, err := NewWorker(&Config{
		TlsConfig:  tlsCfgs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testHandler(t, "node1"),
	})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Isend(struct{}{}, []byte{1}, 0, 0)
	require.ErrorIs(t, err, errForeignEndpoint)
	_, err = w.Irecv(struct{}{}, make([]byte, 1), 0, 0)
	require.ErrorIs(t, err, errForeignEndpoint)
}
