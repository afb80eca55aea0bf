// Package protocol implements the element framing of the csocket wire format.
//
// A message is a plain concatenation of elements. There is no message header
// and no overall length: the transport delivers one message per read.
//
// Element format:
//
//	0        1        2
//	┌────────┬────────┬──────────────────┐
//	│ marker │  size  │   payload ...    │
//	│ S/M/B/ │ uint8  │   size bytes     │
//	│ I/U    │        │                  │
//	└────────┴────────┴──────────────────┘
//
// S and M tag the service and method name and may only be read by the codec;
// B, I and U carry values. Integers are little-endian on the wire.
package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Marker identifies the meaning of an element's payload.
type Marker byte

const (
	MarkerService Marker = 'S'
	MarkerMethod  Marker = 'M'
	MarkerBytes   Marker = 'B'
	MarkerInt     Marker = 'I'
	MarkerUint    Marker = 'U'
)

const (
	HeaderSize     = 2   // 1 (marker) + 1 (size)
	MaxPayloadSize = 255 // size is a single byte
)

var (
	ErrInvalidMarker  = errors.New("protocol: invalid marker")
	ErrPayloadTooLong = errors.New("protocol: payload exceeds 255 bytes")
)

// Valid reports whether m is one of the five known markers.
func (m Marker) Valid() bool {
	switch m {
	case MarkerService, MarkerMethod, MarkerBytes, MarkerInt, MarkerUint:
		return true
	}
	return false
}

// Encode writes one element to w.
func Encode(w io.Writer, m Marker, payload []byte) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMarker, byte(m))
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d", ErrPayloadTooLong, len(payload))
	}
	if _, err := w.Write([]byte{byte(m), byte(len(payload))}); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// Decode reads one element from r.
//
// io.EOF is returned only when r is exhausted exactly at an element boundary.
// A header or payload cut short yields io.ErrUnexpectedEOF.
func Decode(r io.Reader) (Marker, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	m := Marker(header[0])
	if !m.Valid() {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidMarker, header[0])
	}

	payload := make([]byte, header[1])
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return m, payload, nil
}
