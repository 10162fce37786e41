package sm

import (
	"fmt"

	"github.com/teslamotors/pace-terminal/pkg/action"
)

// Case is the ISO 7816-3 structure of a command APDU.
type Case int

const (
	CaseInvalid Case = iota
	Case1            // header only
	Case2            // short Le
	Case3            // short Lc and data
	Case4            // short Lc, data and Le
	Case5            // extended Le
	Case6            // extended Lc and data
	Case7            // extended Lc, data and Le
)

// HasData returns true for cases that carry command data.
func (c Case) HasData() bool {
	return c == Case3 || c == Case4 || c == Case6 || c == Case7
}

// ExpectsResponse returns true for cases that carry an Le field.
func (c Case) ExpectsResponse() bool {
	return c == Case2 || c == Case4 || c == Case5 || c == Case7
}

// Extended returns true for the extended length cases.
func (c Case) Extended() bool {
	return c >= Case5
}

func (c Case) String() string {
	if c == CaseInvalid {
		return "invalid"
	}
	return fmt.Sprintf("case %d", int(c))
}

// ErrMalformedCommand indicates a command APDU whose length fields don't match its size.
var ErrMalformedCommand = action.ErrMalformedCommand

type command struct {
	header [4]byte
	data   []byte
	// ne is the expected response length. Zero means no Le field.
	ne   int
	kind Case
}

// Classify returns the case of a raw command APDU.
func Classify(cmd []byte) (Case, error) {
	c, err := parseCommand(cmd)
	if err != nil {
		return CaseInvalid, err
	}
	return c.kind, nil
}

func parseCommand(raw []byte) (command, error) {
	capdu, err := action.ParseCommand(raw)
	if err != nil {
		return command{}, err
	}
	c := command{
		header: [4]byte{capdu.Cla, capdu.Ins, capdu.P1, capdu.P2},
		data:   capdu.Data,
		ne:     capdu.Ne,
	}
	// Ne of 256 fits a short Le, so only the leading zero byte tells an extended Le apart.
	extended := capdu.IsExtendedLength() || (len(raw) > 5 && raw[4] == 0)
	switch {
	case len(c.data) == 0 && c.ne == 0:
		c.kind = Case1
	case len(c.data) == 0 && extended:
		if len(raw) != 7 {
			// Extended Lc of zero.
			return command{}, fmt.Errorf("%w: empty extended command data", ErrMalformedCommand)
		}
		c.kind = Case5
	case len(c.data) == 0:
		c.kind = Case2
	case c.ne == 0 && extended:
		c.kind = Case6
	case c.ne == 0:
		c.kind = Case3
	case extended:
		c.kind = Case7
	default:
		c.kind = Case4
	}
	return c, nil
}
