package inproc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hpckit/comms"
)

type lane interface {
	~uint8 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func combine[T lane](acc, v T, op comms.ReduceOp) T {
	switch op {
	case comms.Sum:
		return acc + v
	case comms.Prod:
		return acc * v
	case comms.Min:
		if v < acc {
			return v
		}
		return acc
	case comms.Max:
		if v > acc {
			return v
		}
		return acc
	}
	panic(fmt.Sprintf("inproc: unknown reduce op %d", int(op)))
}

func reduceLanes[T lane](dst []byte, srcs [][]byte, count int, op comms.ReduceOp,
	load func([]byte, int) T, store func([]byte, int, T)) {
	for i := 0; i < count; i++ {
		acc := load(srcs[0], i)
		for _, src := range srcs[1:] {
			acc = combine(acc, load(src, i), op)
		}
		store(dst, i, acc)
	}
}

// reduceInto reduces count elements from every buffer in srcs into dst,
// elementwise, with op. Buffers are little-endian.
func reduceInto(dst []byte, srcs [][]byte, count int, dt comms.Datatype, op comms.ReduceOp) {
	switch dt {
	case comms.Char, comms.Uint8:
		reduceLanes(dst, srcs, count, op, loadU8, storeU8)
	case comms.Int:
		reduceLanes(dst, srcs, count, op, loadI32, storeI32)
	case comms.Uint:
		reduceLanes(dst, srcs, count, op, loadU32, storeU32)
	case comms.Int64:
		reduceLanes(dst, srcs, count, op, loadI64, storeI64)
	case comms.Uint64:
		reduceLanes(dst, srcs, count, op, loadU64, storeU64)
	case comms.Float:
		reduceLanes(dst, srcs, count, op, loadF32, storeF32)
	case comms.Double:
		reduceLanes(dst, srcs, count, op, loadF64, storeF64)
	default:
		panic(fmt.Sprintf("inproc: unknown datatype %d", int(dt)))
	}
}

func loadU8(b []byte, i int) uint8     { return b[i] }
func storeU8(b []byte, i int, v uint8) { b[i] = v }

func loadI32(b []byte, i int) int32 { return int32(binary.LittleEndian.Uint32(b[i*4:])) }
func storeI32(b []byte, i int, v int32) {
	binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
}

func loadU32(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
func storeU32(b []byte, i int, v uint32) {
	binary.LittleEndian.PutUint32(b[i*4:], v)
}

func loadI64(b []byte, i int) int64 { return int64(binary.LittleEndian.Uint64(b[i*8:])) }
func storeI64(b []byte, i int, v int64) {
	binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
}

func loadU64(b []byte, i int) uint64 { return binary.LittleEndian.Uint64(b[i*8:]) }
func storeU64(b []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(b[i*8:], v)
}

func loadF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}
func storeF32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
}

func loadF64(b []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
}
func storeF64(b []byte, i int, v float64) {
	binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
}
