package action

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

var (
	// ErrCommandTooLong indicates a command whose data or expected response length can't be
	// encoded, even with extended length fields.
	ErrCommandTooLong = errors.New("command APDU exceeds extended length limits")
	// ErrResponseTooShort indicates a response APDU without a status word.
	ErrResponseTooShort = errors.New("response APDU shorter than two bytes")
	// ErrMalformedCommand indicates command bytes whose length fields don't match their size.
	ErrMalformedCommand = errors.New("malformed command APDU")
)

// Encode serializes c (ISO 7816-4 section 5.1). Short length fields are used unless the data or
// Ne require the extended form. Ne of 256 (short) or 65536 (extended) is encoded as zero.
func Encode(c apdu.Capdu) ([]byte, error) {
	if c.Ne < 0 {
		return nil, fmt.Errorf("%w: negative Ne %d", ErrCommandTooLong, c.Ne)
	}
	b, err := c.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandTooLong, err)
	}
	return b, nil
}

// ParseCommand decodes a raw command APDU in any of the short or extended cases. It is the
// inverse of Encode.
func ParseCommand(b []byte) (apdu.Capdu, error) {
	// A zero byte after the header announces an extended length field, which needs two more
	// bytes.
	if len(b) == 6 && b[4] == 0 {
		return apdu.Capdu{}, fmt.Errorf("%w: truncated extended length", ErrMalformedCommand)
	}
	c, err := apdu.ParseCapdu(b)
	if err != nil {
		return apdu.Capdu{}, fmt.Errorf("%w: %s", ErrMalformedCommand, err)
	}
	if len(c.Data) > 0 {
		c.Data = bytes.Clone(c.Data)
	}
	return *c, nil
}

// ParseResponse splits a raw response APDU into data and status word.
func ParseResponse(b []byte) (apdu.Rapdu, error) {
	r, err := apdu.ParseRapdu(b)
	if err != nil {
		return apdu.Rapdu{}, fmt.Errorf("%w: %s", ErrResponseTooShort, err)
	}
	if len(r.Data) > 0 {
		r.Data = bytes.Clone(r.Data)
	}
	return *r, nil
}

// Status returns the status word of r.
func Status(r apdu.Rapdu) protocol.StatusWord {
	return protocol.NewStatusWord(r.SW1, r.SW2)
}

// Describe returns a short human readable form of c for logs.
func Describe(c apdu.Capdu) string {
	return fmt.Sprintf("CLA=%02X INS=%02X P1=%02X P2=%02X Nc=%d Ne=%d", c.Cla, c.Ins, c.P1, c.P2, len(c.Data), c.Ne)
}
