// Package tlv handles the subset of BER-TLV used by ISO 7816-4 data objects: one or two byte
// tags and lengths in short form or in the 0x81/0x82 long forms. Length fields are read and
// written with the keycard apdu helpers. Decoded objects keep the exact bytes they arrived as,
// since Secure Messaging checksums are computed over them.
package tlv

import (
	"bytes"
	"errors"
	"fmt"

	ber "github.com/status-im/keycard-go/apdu"
)

const (
	// MaxLength is the largest value length that can be encoded (0x82 form).
	MaxLength = 0xFFFF

	constructedBit = 0x20
	multiByteTag   = 0x1F
)

var (
	// ErrTruncated indicates a TLV stream ended inside a tag, length or value.
	ErrTruncated = errors.New("truncated TLV data")
	// ErrUnsupportedLength indicates a length field that isn't short form, 0x81 or 0x82.
	ErrUnsupportedLength = errors.New("unsupported TLV length encoding")
	// ErrUnsupportedTag indicates a tag longer than two bytes.
	ErrUnsupportedTag = errors.New("unsupported TLV tag")
	// ErrValueTooLong indicates a value that can't be encoded with a 0x82 length.
	ErrValueTooLong = errors.New("TLV value exceeds 65535 bytes")
)

// Tag is a BER tag. Two-byte tags such as 0x7F49 are stored big-endian.
type Tag uint16

func (t Tag) String() string {
	if t > 0xFF {
		return fmt.Sprintf("%04X", uint16(t))
	}
	return fmt.Sprintf("%02X", uint16(t))
}

// Constructed returns true if the tag's first byte marks a constructed data object.
func (t Tag) Constructed() bool {
	first := byte(t)
	if t > 0xFF {
		first = byte(t >> 8)
	}
	return first&constructedBit != 0
}

// Bytes returns the encoding of t, as used by [ber.FindTag] search paths.
func (t Tag) Bytes() ber.Tag {
	if t > 0xFF {
		return ber.Tag{byte(t >> 8), byte(t)}
	}
	return ber.Tag{byte(t)}
}

// Object is a decoded data object.
type Object struct {
	Tag   Tag
	Value []byte
	// Raw holds the complete encoding (tag, length and value) exactly as it was received.
	Raw []byte
}

// Children decodes the value of a constructed object.
func (o Object) Children() (List, error) {
	return Decode(o.Value)
}

// List is an ordered sequence of data objects.
type List []Object

// Find returns the first object with the given tag.
func (l List) Find(tag Tag) (Object, bool) {
	for _, obj := range l {
		if obj.Tag == tag {
			return obj, true
		}
	}
	return Object{}, false
}

// EncodeLength returns the minimal length field for n.
func EncodeLength(n int) ([]byte, error) {
	switch {
	case n < 0:
		return nil, ErrUnsupportedLength
	case n > MaxLength:
		return nil, ErrValueTooLong
	}
	var buf bytes.Buffer
	ber.WriteLength(&buf, uint32(n))
	return buf.Bytes(), nil
}

// Write appends the encoding of a single data object to buf.
func Write(buf *bytes.Buffer, tag Tag, value []byte) error {
	if len(value) > MaxLength {
		return fmt.Errorf("%w: %s has %d bytes", ErrValueTooLong, tag, len(value))
	}
	buf.Write(tag.Bytes())
	ber.WriteLength(buf, uint32(len(value)))
	buf.Write(value)
	return nil
}

// Encode returns the encoding of a single data object.
func Encode(tag Tag, value []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, tag, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is like Encode but panics if value is too long. Use it only for values whose size
// is bounded by construction.
func MustEncode(tag Tag, value []byte) []byte {
	out, err := Encode(tag, value)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode splits b into a sequence of data objects. Padding bytes (0x00 or 0xFF) between objects
// are not permitted.
func Decode(b []byte) (List, error) {
	var list List
	for len(b) > 0 {
		obj, rest, err := DecodeOne(b)
		if err != nil {
			return nil, err
		}
		list = append(list, obj)
		b = rest
	}
	return list, nil
}

// DecodeOne decodes the data object at the start of b and returns the remaining bytes.
func DecodeOne(b []byte) (Object, []byte, error) {
	tag, n, err := decodeTag(b)
	if err != nil {
		return Object{}, nil, err
	}
	length, m, err := decodeLength(b[n:])
	if err != nil {
		return Object{}, nil, err
	}
	start := n + m
	end := start + length
	if end > len(b) {
		return Object{}, nil, ErrTruncated
	}
	obj := Object{
		Tag:   tag,
		Value: b[start:end:end],
		Raw:   b[:end:end],
	}
	return obj, b[end:], nil
}

func decodeTag(b []byte) (Tag, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	if b[0]&multiByteTag != multiByteTag {
		return Tag(b[0]), 1, nil
	}
	if len(b) < 2 {
		return 0, 0, ErrTruncated
	}
	if b[1]&0x80 != 0 {
		return 0, 0, ErrUnsupportedTag
	}
	return Tag(b[0])<<8 | Tag(b[1]), 2, nil
}

func decodeLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	size := 1
	switch {
	case b[0] == 0x81:
		size = 2
	case b[0] == 0x82:
		size = 3
	case b[0] > 0x7F:
		return 0, 0, ErrUnsupportedLength
	}
	if len(b) < size {
		return 0, 0, ErrTruncated
	}
	length, err := ber.ParseLength(bytes.NewBuffer(b[:size]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedLength, err)
	}
	return int(length), size, nil
}
