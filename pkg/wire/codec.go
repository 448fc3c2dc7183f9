package wire

import (
	"encoding/binary"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrShortFrame is returned when a length-delimited buffer ends mid-record.
var ErrShortFrame = errors.New("wire: short frame")

// Encode serializes any wire value.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes a wire value.
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// EncodePackage serializes a message package for a data channel.
func EncodePackage(pkg *MessagePackage) ([]byte, error) {
	return msgpack.Marshal(pkg)
}

// DecodePackage deserializes a data channel frame.
func DecodePackage(data []byte) (*MessagePackage, error) {
	var pkg MessagePackage
	if err := msgpack.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// EncodeDelimited appends a uvarint-length-prefixed record to buf.
func EncodeDelimited(buf []byte, v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return buf, err
	}
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(b)))
	buf = append(buf, prefix[:n]...)
	return append(buf, b...), nil
}

// DecodeDelimited reads one length-prefixed record from buf, returning the
// remainder. A zero-filled tail (chunk padding) yields ErrShortFrame.
func DecodeDelimited(buf []byte, v interface{}) ([]byte, error) {
	size, n := binary.Uvarint(buf)
	if n <= 0 || size == 0 {
		return buf, ErrShortFrame
	}
	if uint64(len(buf)-n) < size {
		return buf, ErrShortFrame
	}
	if err := msgpack.Unmarshal(buf[n:n+int(size)], v); err != nil {
		return buf, err
	}
	return buf[n+int(size):], nil
}
