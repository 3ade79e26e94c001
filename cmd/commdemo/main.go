// commdemo runs local multi-rank communicator demos, with every rank
// living in its own goroutine on top of the in-process backend.
package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/hpckit/comms"
	"github.com/hpckit/comms/pkg/inproc"
)

var (
	flagVerbose bool
	flagRanks   int
	flagCount   int
	flagBytes   int
)

var rootCmd = &cobra.Command{
	Use:          "commdemo",
	Short:        "Run local multi-rank communicator demos",
	SilenceUsage: true,
}

var allreduceCmd = &cobra.Command{
	Use:   "allreduce",
	Short: "Sum one vector per rank across all ranks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRanks(flagRanks, runAllReduce)
	},
}

var pingpongCmd = &cobra.Command{
	Use:   "pingpong",
	Short: "Exchange one tagged message between two ranks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRanks(2, runPingPong)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"enable debug logging")
	allreduceCmd.Flags().IntVar(&flagRanks, "ranks", 4, "number of in-process ranks")
	allreduceCmd.Flags().IntVar(&flagCount, "count", 8, "elements per rank")
	pingpongCmd.Flags().IntVar(&flagBytes, "bytes", 4, "payload size in bytes")
	rootCmd.AddCommand(allreduceCmd, pingpongCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runRanks spawns one goroutine per rank over a fresh cluster and joins
// them, surfacing the first error.
func runRanks(size int, f func(cl *inproc.Cluster, rank int) error) error {
	cl := inproc.NewCluster(size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = f(cl, rank)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return nil
}

func newComm(cl *inproc.Cluster, rank int, p2p bool) (*comms.Communicator, error) {
	opts := []comms.Option{
		comms.WithLog(logHandler(rank)),
		comms.WithMetricSink(&metrics.BlackholeSink{}),
	}
	if p2p {
		return comms.NewP2P(cl.Engine(rank), cl.Worker(rank), cl.Endpoints(rank),
			cl.Size(), rank, opts...)
	}
	return comms.New(cl.Engine(rank), cl.Size(), rank, opts...)
}

func logHandler(rank int) slog.Handler {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}).
		WithAttrs([]slog.Attr{{Key: "emitter", Value: slog.StringValue(fmt.Sprintf("rank%d", rank))}})
}

func runAllReduce(cl *inproc.Cluster, rank int) error {
	comm, err := newComm(cl, rank, false)
	if err != nil {
		return err
	}
	defer comm.Close()

	stream, err := cl.Engine(rank).OpenStream()
	if err != nil {
		return err
	}
	defer stream.Close()

	send := make([]byte, flagCount*comms.Int.Size())
	recv := make([]byte, flagCount*comms.Int.Size())
	for i := 0; i < flagCount; i++ {
		binary.LittleEndian.PutUint32(send[i*4:], uint32(rank))
	}

	comm.AllReduce(send, recv, flagCount, comms.Int, comms.Sum, stream)
	if st := comm.SyncStream(stream); st != comms.StatusSuccess {
		return fmt.Errorf("allreduce sync returned %s", st)
	}
	comm.Barrier()

	if rank == 0 {
		out := make([]int32, flagCount)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(recv[i*4:]))
		}
		fmt.Printf("allreduce(sum) over %d ranks: %v\n", comm.Size(), out)
	}
	return nil
}

func runPingPong(cl *inproc.Cluster, rank int) error {
	comm, err := newComm(cl, rank, true)
	if err != nil {
		return err
	}
	defer comm.Close()

	const tag = 7
	if rank == 0 {
		payload := make([]byte, flagBytes)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		id := comm.Isend(payload, 1, tag)
		comm.WaitAll(id)
		fmt.Printf("rank 0 sent %d bytes with tag %d\n", len(payload), tag)
	} else {
		buf := make([]byte, flagBytes)
		id := comm.Irecv(buf, 0, tag)
		comm.WaitAll(id)
		fmt.Printf("rank 1 received % x\n", buf)
	}
	comm.Barrier()
	return nil
}
