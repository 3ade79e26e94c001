package comms

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatatypeSize(t *testing.T) {
	require.Equal(t, 1, Char.Size())
	require.Equal(t, 1, Uint8.Size())
	require.Equal(t, 4, Int.Size())
	require.Equal(t, 4, Uint.Size())
	require.Equal(t, 8, Int64.Size())
	require.Equal(t, 8, Uint64.Size())
	require.Equal(t, 4, Float.Size())
	require.Equal(t, 8, Double.Size())

	require.Panics(t, func() { Datatype(99).Size() })
}

func TestReduceOpString(t *testing.T) {
	require.Equal(t, "sum", Sum.String())
	require.Equal(t, "prod", Prod.String())
	require.Equal(t, "min", Min.String())
	require.Equal(t, "max", Max.String())

	require.Panics(t, func() { _ = ReduceOp(99).String() })
}
