// Package codec converts pokeshell records (stored responses, queued
// mutations) to and from the bytes kept by storage backends.
package codec

import (
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by New.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
	NameCBOR    = "cbor"
)

// New returns the codec registered under name. An empty name selects msgpack.
func New[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameMsgpack:
		return Msgpack[V]{}, nil
	case NameJSON:
		return JSON[V]{}, nil
	case NameCBOR:
		return NewCBOR[V](false)
	default:
		return nil, fmt.Errorf("codec: unknown codec %q (valid: json, msgpack, cbor)", name)
	}
}
