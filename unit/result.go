package unit

import (
	"encoding/binary"
	"fmt"
)

// Result encoding per answer kind: booleans are a single 0/1 byte, numerics
// are big-endian two's-complement int64, generic answers are raw bytes.

func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 || b[0] > 1 {
		return false, fmt.Errorf("unit: malformed boolean result (%d bytes)", len(b))
	}
	return b[0] == 1, nil
}

func EncodeNumeric(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func DecodeNumeric(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("unit: malformed numeric result (%d bytes)", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func EncodeGeneric(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func DecodeGeneric(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
