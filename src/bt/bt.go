// Package bt implements the length-prefixed dict encoding used for all
// quorum command payloads. A payload is a single serialized dict whose keys
// are short ASCII strings and whose values are integers, byte strings, lists,
// or nested dicts, with dict keys in lexicographic order.
package bt

import (
	"fmt"
	"math"

	"github.com/zeebo/bencode"
)

// Dict is a command payload.
type Dict = map[string]interface{}

// List is an ordered sequence of payload values.
type List = []interface{}

// Marshal serializes a payload dict.
func Marshal(d Dict) ([]byte, error) {
	return bencode.EncodeBytes(d)
}

// Unmarshal parses a serialized payload into a dict. Anything that is not a
// single well-formed dict is an error.
func Unmarshal(data []byte) (Dict, error) {
	var d Dict
	if err := bencode.DecodeBytes(data, &d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("payload is not a dict")
	}
	return d, nil
}

// Uint64 extracts a non-negative integer field.
func Uint64(d Dict, key string) (uint64, error) {
	v, ok := d[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	return toUint64(key, v)
}

// Uint64Or extracts a non-negative integer field, returning fallback if the
// field is absent or ill-typed.
func Uint64Or(d Dict, key string, fallback uint64) uint64 {
	v, ok := d[key]
	if !ok {
		return fallback
	}
	u, err := toUint64(key, v)
	if err != nil {
		return fallback
	}
	return u
}

// Int64 extracts a signed integer field.
func Int64(d Dict, key string) (int64, error) {
	v, ok := d[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("field %q is not an integer", key)
	}
	return i, nil
}

// Bytes extracts a byte-string field.
func Bytes(d Dict, key string) ([]byte, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("field %q is not a byte string", key)
	}
	return []byte(s), nil
}

// GetList extracts a list field.
func GetList(d Dict, key string) (List, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("field %q is not a list", key)
	}
	return l, nil
}

// ElemInt64 converts a list element to a signed integer.
func ElemInt64(key string, v interface{}) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("element of %q is not an integer", key)
	}
	return i, nil
}

// ElemBytes converts a list element to a byte string.
func ElemBytes(key string, v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("element of %q is not a byte string", key)
	}
	return []byte(s), nil
}

func toUint64(key string, v interface{}) (uint64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("field %q is not an integer", key)
	}
	if i < 0 {
		return 0, fmt.Errorf("field %q is negative", key)
	}
	return uint64(i), nil
}

// Uint16 extracts an integer field and range-checks it against uint16.
func Uint16(d Dict, key string) (uint16, error) {
	u, err := Uint64(d, key)
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint16 {
		return 0, fmt.Errorf("field %q out of range", key)
	}
	return uint16(u), nil
}

// Uint8 extracts an integer field and range-checks it against uint8.
func Uint8(d Dict, key string) (uint8, error) {
	u, err := Uint64(d, key)
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("field %q out of range", key)
	}
	return uint8(u), nil
}
