package comms

import "fmt"

// Datatype identifies the element type of a communication buffer.
// Widths are fixed regardless of platform so that every participant of a
// communicator agrees on buffer layout: Int and Uint are 32-bit.
type Datatype int

const (
	Char Datatype = iota
	Uint8
	Int
	Uint
	Int64
	Uint64
	Float
	Double
)

// Size returns the width of one element in bytes.
//
// An out-of-range value is a precondition violation and panics.
func (dt Datatype) Size() int {
	switch dt {
	case Char:
		return 1
	case Uint8:
		return 1
	case Int:
		return 4
	case Uint:
		return 4
	case Int64:
		return 8
	case Uint64:
		return 8
	case Float:
		return 4
	case Double:
		return 8
	}
	panic(fmt.Sprintf("comms: unknown datatype %d", int(dt)))
}

func (dt Datatype) String() string {
	switch dt {
	case Char:
		return "char"
	case Uint8:
		return "uint8"
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float:
		return "float"
	case Double:
		return "double"
	}
	panic(fmt.Sprintf("comms: unknown datatype %d", int(dt)))
}

// ReduceOp identifies the reduction operator of a collective.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Prod
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case Min:
		return "min"
	case Max:
		return "max"
	}
	panic(fmt.Sprintf("comms: unknown reduce op %d", int(op)))
}
