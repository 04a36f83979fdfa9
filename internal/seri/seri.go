// Package seri implements the canonical in-process serialisation used
// between script services.
//
// The format is a compact tagged binary encoding: each item starts with one
// byte whose low 3 bits select the type and whose high 5 bits carry a small
// inline value (boolean, short-string length, integer width, array length).
// Integers are stored at the narrowest of 0/1/2/4/8 bytes; strings up to 31
// bytes inline their length; tables encode an array part followed by
// key/value pairs terminated by nil. Multi-byte fields are host-endian
// (little-endian on every supported target). The encoding is an in-process
// contract only and is not stable across versions.
package seri

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	typeNil         = 0
	typeBoolean     = 1
	typeNumber      = 2
	typeShortString = 4
	typeLongString  = 5
	typeTable       = 6

	numberZero  = 0
	numberByte  = 1
	numberWord  = 2
	numberDword = 4
	numberQword = 6
	numberReal  = 8

	maxCookie = 32
	maxDepth  = 32
)

// Table is the decoded form of a table value: a dense array part plus a hash
// part. Either may be empty.
type Table struct {
	Array []any
	Hash  map[any]any
}

func combine(typ, cookie int) byte {
	return byte(typ | cookie<<3)
}

// Pack encodes the given values into one buffer.
//
// Supported types: nil, bool, int/int32/int64/uint32, float64, string,
// []byte (encoded as string), []any (array-only table), map[any]any
// (hash-only table), and *Table. Anything else fails.
func Pack(values ...any) ([]byte, error) {
	var buf []byte
	for _, v := range values {
		var err error
		buf, err = packOne(buf, v, 0)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func packOne(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("seri: table nesting exceeds %d", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return append(buf, combine(typeNil, 0)), nil
	case bool:
		cookie := 0
		if x {
			cookie = 1
		}
		return append(buf, combine(typeBoolean, cookie)), nil
	case int:
		return packInteger(buf, int64(x)), nil
	case int32:
		return packInteger(buf, int64(x)), nil
	case int64:
		return packInteger(buf, x), nil
	case uint32:
		return packInteger(buf, int64(x)), nil
	case float64:
		buf = append(buf, combine(typeNumber, numberReal))
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case string:
		return packString(buf, []byte(x)), nil
	case []byte:
		return packString(buf, x), nil
	case []any:
		return packTable(buf, &Table{Array: x}, depth)
	case map[any]any:
		return packTable(buf, &Table{Hash: x}, depth)
	case *Table:
		return packTable(buf, x, depth)
	default:
		return nil, fmt.Errorf("seri: unsupported type %T", v)
	}
}

func packInteger(buf []byte, n int64) []byte {
	switch {
	case n == 0:
		return append(buf, combine(typeNumber, numberZero))
	case n != int64(int32(n)):
		buf = append(buf, combine(typeNumber, numberQword))
		return binary.LittleEndian.AppendUint64(buf, uint64(n))
	case n < 0:
		buf = append(buf, combine(typeNumber, numberDword))
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(n)))
	case n < 0x100:
		buf = append(buf, combine(typeNumber, numberByte))
		return append(buf, byte(n))
	case n < 0x10000:
		buf = append(buf, combine(typeNumber, numberWord))
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, combine(typeNumber, numberDword))
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	}
}

func packString(buf []byte, s []byte) []byte {
	n := len(s)
	if n < maxCookie {
		buf = append(buf, combine(typeShortString, n))
		return append(buf, s...)
	}
	if n < 0x10000 {
		buf = append(buf, combine(typeLongString, 2))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(n))
		return append(buf, s...)
	}
	buf = append(buf, combine(typeLongString, 4))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	return append(buf, s...)
}

func packTable(buf []byte, t *Table, depth int) ([]byte, error) {
	asize := len(t.Array)
	if asize >= maxCookie-1 {
		buf = append(buf, combine(typeTable, maxCookie-1))
		buf = packInteger(buf, int64(asize))
	} else {
		buf = append(buf, combine(typeTable, asize))
	}
	var err error
	for _, item := range t.Array {
		if buf, err = packOne(buf, item, depth+1); err != nil {
			return nil, err
		}
	}
	for k, v := range t.Hash {
		if buf, err = packOne(buf, k, depth+1); err != nil {
			return nil, err
		}
		if buf, err = packOne(buf, v, depth+1); err != nil {
			return nil, err
		}
	}
	// nil closes the hash part
	return append(buf, combine(typeNil, 0)), nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("seri: truncated buffer at %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("seri: truncated buffer at %d (need %d)", r.pos, n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Unpack decodes every value in buf. Tables come back as *Table; integers as
// int64; strings as string.
func Unpack(buf []byte) ([]any, error) {
	r := &reader{buf: buf}
	var out []any
	for r.pos < len(r.buf) {
		v, err := unpackOne(r, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// sentinel distinguishing an encoded nil from end-of-hash while decoding
// table pairs.
type nilValue struct{}

func unpackOne(r *reader, depth int) (any, error) {
	v, err := unpackRaw(r, depth)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(nilValue); ok {
		return nil, nil
	}
	return v, nil
}

func unpackRaw(r *reader, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("seri: table nesting exceeds %d", maxDepth)
	}
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	typ := int(tag & 0x7)
	cookie := int(tag >> 3)
	switch typ {
	case typeNil:
		return nilValue{}, nil
	case typeBoolean:
		return cookie != 0, nil
	case typeNumber:
		return unpackNumber(r, cookie)
	case typeShortString:
		b, err := r.take(cookie)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case typeLongString:
		var n int
		switch cookie {
		case 2:
			b, err := r.take(2)
			if err != nil {
				return nil, err
			}
			n = int(binary.LittleEndian.Uint16(b))
		case 4:
			b, err := r.take(4)
			if err != nil {
				return nil, err
			}
			n = int(binary.LittleEndian.Uint32(b))
		default:
			return nil, fmt.Errorf("seri: bad long string cookie %d", cookie)
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case typeTable:
		return unpackTable(r, cookie, depth)
	default:
		return nil, fmt.Errorf("seri: bad type tag %d", typ)
	}
}

func unpackNumber(r *reader, cookie int) (any, error) {
	switch cookie {
	case numberZero:
		return int64(0), nil
	case numberByte:
		b, err := r.byte()
		return int64(b), err
	case numberWord:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint16(b)), nil
	case numberDword:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case numberQword:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case numberReal:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	default:
		return nil, fmt.Errorf("seri: bad number cookie %d", cookie)
	}
}

func unpackTable(r *reader, cookie, depth int) (any, error) {
	asize := cookie
	if cookie == maxCookie-1 {
		v, err := unpackRaw(r, depth)
		if err != nil {
			return nil, err
		}
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("seri: bad table array header %T", v)
		}
		asize = int(n)
	}
	t := &Table{}
	if asize > 0 {
		t.Array = make([]any, 0, asize)
	}
	for i := 0; i < asize; i++ {
		v, err := unpackOne(r, depth+1)
		if err != nil {
			return nil, err
		}
		t.Array = append(t.Array, v)
	}
	for {
		k, err := unpackRaw(r, depth+1)
		if err != nil {
			return nil, err
		}
		if _, done := k.(nilValue); done {
			break
		}
		v, err := unpackOne(r, depth+1)
		if err != nil {
			return nil, err
		}
		if t.Hash == nil {
			t.Hash = make(map[any]any)
		}
		key := k
		if kt, isTable := key.(*Table); isTable {
			// table keys cannot index a Go map; reject rather than alias
			return nil, fmt.Errorf("seri: table key unsupported (%v)", kt)
		}
		t.Hash[key] = v
	}
	return t, nil
}
