package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position in a shape log: the commit sequence of the upstream
// transaction and the operation sequence within it. Offsets are totally
// ordered lexicographically and never reused within a shape generation.
type Offset struct {
	Tx int64
	Op uint32
}

// BeforeAll sorts before every log position, including the snapshot batch.
// A client requesting from BeforeAll has observed nothing and needs a
// fresh snapshot.
var BeforeAll = Offset{Tx: -1, Op: 0}

// First is the offset shared by every row of the initial snapshot batch.
// Transaction sequences from the upstream feed start at 1, so no change
// event ever carries it.
var First = Offset{Tx: 0, Op: 0}

// beforeAllWire is the serialized form of BeforeAll.
const beforeAllWire = "-1"

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Offset) int {
	if a.Tx < b.Tx {
		return -1
	}
	if a.Tx > b.Tx {
		return 1
	}
	if a.Op < b.Op {
		return -1
	}
	if a.Op > b.Op {
		return 1
	}
	return 0
}

// After returns true if o is strictly greater than other.
func (o Offset) After(other Offset) bool {
	return Compare(o, other) > 0
}

// Before returns true if o is strictly less than other.
func (o Offset) Before(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal returns true if both offsets hold the same position.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}

// IsBeforeAll reports whether o is the BeforeAll sentinel.
func (o Offset) IsBeforeAll() bool {
	return o.Tx < 0
}

// String renders the wire form: "-1" for BeforeAll, "tx_op" otherwise.
func (o Offset) String() string {
	if o.IsBeforeAll() {
		return beforeAllWire
	}
	return strconv.FormatInt(o.Tx, 10) + "_" + strconv.FormatUint(uint64(o.Op), 10)
}

// Parse decodes the wire form produced by String. It accepts "-1" and
// "tx_op" with non-negative decimal components; anything else is an error
// suitable for surfacing as request validation failure.
func Parse(s string) (Offset, error) {
	if s == beforeAllWire {
		return BeforeAll, nil
	}

	txPart, opPart, found := strings.Cut(s, "_")
	if !found {
		return Offset{}, fmt.Errorf("malformed offset %q: expected tx_op or -1", s)
	}

	tx, err := strconv.ParseInt(txPart, 10, 64)
	if err != nil || tx < 0 {
		return Offset{}, fmt.Errorf("malformed offset %q: bad transaction sequence", s)
	}

	op, err := strconv.ParseUint(opPart, 10, 32)
	if err != nil {
		return Offset{}, fmt.Errorf("malformed offset %q: bad operation sequence", s)
	}

	return Offset{Tx: tx, Op: uint32(op)}, nil
}
