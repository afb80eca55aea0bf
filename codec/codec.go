// Package codec converts argument and result lists to and from the wire buffer.
//
// Encoding order: service tag (if any), method tag (if any), then every value
// in list order. Each element is framed by the protocol package.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"csocket/message"
	"csocket/protocol"
)

var (
	ErrTooLarge  = errors.New("codec: encoding too large")
	ErrMalformed = errors.New("codec: malformed message")
)

var kindMarkers = map[message.Kind]protocol.Marker{
	message.KindBytes: protocol.MarkerBytes,
	message.KindInt:   protocol.MarkerInt,
	message.KindUint:  protocol.MarkerUint,
}

// Encode serializes list, tagged with service and method when they are non-empty.
// A nil list encodes only the tags.
//
// Every element is checked before anything is written, so a failed Encode
// never returns a partial buffer.
func Encode(list *message.List, service, method string) ([]byte, error) {
	size := 0
	if service != "" {
		if len(service) > protocol.MaxPayloadSize {
			return nil, fmt.Errorf("%w: service name is %d bytes", ErrTooLarge, len(service))
		}
		size += protocol.HeaderSize + len(service)
	}
	if method != "" {
		if len(method) > protocol.MaxPayloadSize {
			return nil, fmt.Errorf("%w: method name is %d bytes", ErrTooLarge, len(method))
		}
		size += protocol.HeaderSize + len(method)
	}
	for i, v := range list.Values() {
		if v.Size() > protocol.MaxPayloadSize {
			return nil, fmt.Errorf("%w: value %d is %d bytes", ErrTooLarge, i, v.Size())
		}
		if _, ok := kindMarkers[v.Kind]; !ok {
			return nil, fmt.Errorf("codec: value %d has unknown kind %s", i, v.Kind)
		}
		size += protocol.HeaderSize + v.Size()
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if service != "" {
		protocol.Encode(buf, protocol.MarkerService, []byte(service))
	}
	if method != "" {
		protocol.Encode(buf, protocol.MarkerMethod, []byte(method))
	}
	for _, v := range list.Values() {
		// Sizes and kinds were validated above; bytes.Buffer writes do not fail.
		protocol.Encode(buf, kindMarkers[v.Kind], v.Payload)
	}
	return buf.Bytes(), nil
}

// EncodeCall is Encode for a request already held in a Call.
func EncodeCall(call *message.Call) ([]byte, error) {
	return Encode(call.Args, call.Service, call.Method)
}

// Decode parses a wire buffer. The tags are optional; an empty buffer yields
// an empty argument list.
//
// An unknown marker or a truncated element fails the whole decode and no
// partial list is returned.
func Decode(data []byte) (*message.Call, error) {
	r := bytes.NewReader(data)
	call := &message.Call{Args: message.NewList()}

	for {
		m, payload, err := protocol.Decode(r)
		if err == io.EOF {
			return call, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch m {
		case protocol.MarkerService:
			call.Service = string(payload)
		case protocol.MarkerMethod:
			call.Method = string(payload)
		case protocol.MarkerBytes:
			call.Args.Push(message.Value{Kind: message.KindBytes, Payload: payload})
		case protocol.MarkerInt:
			call.Args.Push(message.Value{Kind: message.KindInt, Payload: payload})
		case protocol.MarkerUint:
			call.Args.Push(message.Value{Kind: message.KindUint, Payload: payload})
		}
	}
}
