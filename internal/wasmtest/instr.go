package wasmtest

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Add      = 0x6a
	opI32Sub      = 0x6b
	opI32Mul      = 0x6c
	opI32DivS     = 0x6d

	OpAdd = opI32Add
	OpSub = opI32Sub
	OpMul = opI32Mul

	blockEmpty = 0x40
)

func I32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }
func I64Const(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }
func LocalGet(i uint32) []byte { return append([]byte{opLocalGet}, uleb(i)...) }
func LocalSet(i uint32) []byte { return append([]byte{opLocalSet}, uleb(i)...) }
func Call(fn uint32) []byte    { return append([]byte{opCall}, uleb(fn)...) }

func Drop() []byte        { return []byte{opDrop} }
func Unreachable() []byte { return []byte{opUnreachable} }

// Load32 pushes the i32 stored at addr.
func Load32(addr uint32) []byte {
	return append(I32Const(int32(addr)), opI32Load, 0x02, 0x00)
}

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// LoadFrom pushes the i32 stored at the address computed by addr.
func LoadFrom(addr ...[]byte) []byte {
	return append(Seq(addr...), opI32Load, 0x02, 0x00)
}

// Op emits raw i32 arithmetic opcodes over the stack.
func Op(ops ...byte) []byte { return ops }

// Store32 stores the i32 produced by value at addr.
func Store32(addr uint32, value []byte) []byte {
	out := I32Const(int32(addr))
	out = append(out, value...)
	return append(out, opI32Store, 0x02, 0x00)
}

// Binary applies an i32 arithmetic op to locals 0 and 1.
func Binary(op byte) []byte {
	return []byte{opLocalGet, 0x00, opLocalGet, 0x01, op}
}

// Forever is an infinite loop.
func Forever() []byte {
	return []byte{opLoop, blockEmpty, opBr, 0x00, opEnd}
}

// IfNonZero runs then when local i is not zero.
func IfNonZero(i uint32, then ...[]byte) []byte {
	out := LocalGet(i)
	out = append(out, opIf, blockEmpty)
	for _, t := range then {
		out = append(out, t...)
	}
	return append(out, opEnd)
}
