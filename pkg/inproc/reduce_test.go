package inproc

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpckit/comms"
)

func i32buf(vs ...int32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func f64buf(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func TestReduceIntoInt32Sum(t *testing.T) {
	srcs := [][]byte{
		i32buf(1, -2, 3),
		i32buf(10, 20, 30),
		i32buf(100, 200, 300),
	}
	dst := make([]byte, 12)
	reduceInto(dst, srcs, 3, comms.Int, comms.Sum)
	require.Equal(t, i32buf(111, 218, 333), dst)
}

func TestReduceIntoFloat64(t *testing.T) {
	srcs := [][]byte{
		f64buf(2, -1, 8),
		f64buf(3, 5, 0.5),
	}

	dst := make([]byte, 16)

	reduceInto(dst[:16], srcs, 2, comms.Double, comms.Prod)
	require.Equal(t, f64buf(6, -5), dst[:16])

	reduceInto(dst[:16], srcs, 2, comms.Double, comms.Min)
	require.Equal(t, f64buf(2, -1), dst[:16])

	reduceInto(dst[:16], srcs, 2, comms.Double, comms.Max)
	require.Equal(t, f64buf(3, 5), dst[:16])
}

func TestReduceIntoBytesMax(t *testing.T) {
	srcs := [][]byte{
		{1, 200, 3},
		{4, 5, 255},
	}
	dst := make([]byte, 3)
	reduceInto(dst, srcs, 3, comms.Uint8, comms.Max)
	require.Equal(t, []byte{4, 200, 255}, dst)
}

func TestReduceIntoUnknownOpPanics(t *testing.T) {
	require.Panics(t, func() {
		reduceInto(make([]byte, 4), [][]byte{i32buf(1)}, 1, comms.Int, comms.ReduceOp(99))
	})
}
