// Package message defines the values exchanged between client and server.
//
// A call carries an ordered List of typed Values: the arguments on the way to
// the server, the results on the way back. The codec layer turns a List (plus
// the optional service and method names) into the flat wire buffer.
package message

import (
	"encoding/binary"
	"fmt"
)

// Kind is the type tag of a Value.
type Kind byte

const (
	KindBytes Kind = iota // Opaque byte string
	KindInt               // Signed integer, 1/2/4/8 bytes
	KindUint              // Unsigned integer, 1/2/4/8 bytes
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "BYTES"
	case KindInt:
		return "INT"
	case KindUint:
		return "UINT"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Value is one element of a List.
//
// Integer payloads are kept little-endian, which is also their wire order, so
// the host byte order never leaks into a Value.
type Value struct {
	Kind    Kind
	Payload []byte
}

// Size returns the payload length in bytes.
func (v Value) Size() int {
	return len(v.Payload)
}

// Int returns the value of a signed integer of size 1, 2, 4 or 8.
func (v Value) Int() (int64, error) {
	if v.Kind != KindInt {
		return 0, fmt.Errorf("message: value is %s, not INT", v.Kind)
	}
	switch len(v.Payload) {
	case 1:
		return int64(int8(v.Payload[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(v.Payload))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(v.Payload))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(v.Payload)), nil
	}
	return 0, fmt.Errorf("message: unsupported integer size %d", len(v.Payload))
}

// Uint returns the value of an unsigned integer of size 1, 2, 4 or 8.
func (v Value) Uint() (uint64, error) {
	if v.Kind != KindUint {
		return 0, fmt.Errorf("message: value is %s, not UINT", v.Kind)
	}
	switch len(v.Payload) {
	case 1:
		return uint64(v.Payload[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(v.Payload)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.Payload)), nil
	case 8:
		return binary.LittleEndian.Uint64(v.Payload), nil
	}
	return 0, fmt.Errorf("message: unsupported integer size %d", len(v.Payload))
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		if n, err := v.Int(); err == nil {
			return fmt.Sprintf("INT%d(%d)", 8*len(v.Payload), n)
		}
	case KindUint:
		if n, err := v.Uint(); err == nil {
			return fmt.Sprintf("UINT%d(%d)", 8*len(v.Payload), n)
		}
	}
	return fmt.Sprintf("%s(%x)", v.Kind, v.Payload)
}

func Bytes(b []byte) Value {
	p := make([]byte, len(b))
	copy(p, b)
	return Value{Kind: KindBytes, Payload: p}
}

func String(s string) Value {
	return Value{Kind: KindBytes, Payload: []byte(s)}
}

func Int8(n int8) Value {
	return Value{Kind: KindInt, Payload: []byte{byte(n)}}
}

func Int16(n int16) Value {
	return Value{Kind: KindInt, Payload: binary.LittleEndian.AppendUint16(nil, uint16(n))}
}

func Int32(n int32) Value {
	return Value{Kind: KindInt, Payload: binary.LittleEndian.AppendUint32(nil, uint32(n))}
}

func Int64(n int64) Value {
	return Value{Kind: KindInt, Payload: binary.LittleEndian.AppendUint64(nil, uint64(n))}
}

func Uint8(n uint8) Value {
	return Value{Kind: KindUint, Payload: []byte{n}}
}

func Uint16(n uint16) Value {
	return Value{Kind: KindUint, Payload: binary.LittleEndian.AppendUint16(nil, n)}
}

func Uint32(n uint32) Value {
	return Value{Kind: KindUint, Payload: binary.LittleEndian.AppendUint32(nil, n)}
}

func Uint64(n uint64) Value {
	return Value{Kind: KindUint, Payload: binary.LittleEndian.AppendUint64(nil, n)}
}

// List is an ordered, growable sequence of Values.
// Values are pushed in call order and popped from the end.
type List struct {
	values []Value
}

// NewList returns a list holding vs in order.
func NewList(vs ...Value) *List {
	l := &List{values: make([]Value, 0, len(vs))}
	l.values = append(l.values, vs...)
	return l
}

func (l *List) Push(v Value) {
	l.values = append(l.values, v)
}

// Pop removes and returns the last value. ok is false on an empty list.
func (l *List) Pop() (v Value, ok bool) {
	if len(l.values) == 0 {
		return Value{}, false
	}
	v = l.values[len(l.values)-1]
	l.values = l.values[:len(l.values)-1]
	return v, true
}

// At returns the i-th value in push order.
func (l *List) At(i int) (Value, bool) {
	if l == nil || i < 0 || i >= len(l.values) {
		return Value{}, false
	}
	return l.values[i], true
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.values)
}

// Values returns the underlying values in push order. The slice must not be modified.
func (l *List) Values() []Value {
	if l == nil {
		return nil
	}
	return l.values
}

// Call is a decoded request: the optional tags plus the argument list.
//
//   - On request:  Service and Method are set, Args holds the arguments.
//   - On response: Service and Method are empty, Args holds the results.
type Call struct {
	Service string
	Method  string
	Args    *List
}
