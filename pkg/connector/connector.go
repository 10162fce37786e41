// Package connector defines how the terminal exchanges raw APDUs with a card.
//
// Implementations live in subpackages: pcsc talks to a PC/SC reader and sim runs an in-memory
// chip.
package connector

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// MaxResponseLength caps the byte-length of responses that connectors must support: 65536 data
// bytes plus the status word.
const MaxResponseLength = 65538

// ErrClosed is returned by Transmit after Close.
var ErrClosed = errors.New("connector closed")

// Transport sends raw command APDUs to a card.
type Transport interface {
	// Transmit sends command and returns the response data and status word. The response data
	// excludes SW1 SW2.
	//
	// Transmit blocks until the card answers or ctx is done. Only one command may be outstanding
	// at a time; implementations must not be called concurrently.
	Transmit(ctx context.Context, command []byte) ([]byte, protocol.StatusWord, error)
}

// Connector is a Transport bound to a reader slot.
type Connector interface {
	Transport

	// Reader returns the name of the reader the card is inserted in.
	Reader() string

	// ATR returns the answer to reset of the connected card.
	ATR() []byte

	// Close disconnects the card. Repeated calls to Close must be idempotent.
	Close()
}

// SplitResponse separates a raw response APDU into data and status word.
func SplitResponse(response []byte) ([]byte, protocol.StatusWord, error) {
	r, err := apdu.ParseRapdu(response)
	if err != nil {
		return nil, 0, protocol.WrapError(protocol.KindTransportFailure, err)
	}
	return r.Data, protocol.NewStatusWord(r.SW1, r.SW2), nil
}

// Exchange transmits command over t and returns the full response APDU including the status
// word. Errors from t that aren't already a protocol.CardError are reported as
// KindTransportFailure.
func Exchange(ctx context.Context, t Transport, command []byte) ([]byte, error) {
	log.Debug(">> %s", hex.EncodeToString(command))
	data, sw, err := t.Transmit(ctx, command)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindUnknown {
			err = protocol.WrapError(protocol.KindTransportFailure, err)
		}
		return nil, err
	}
	response := append(append([]byte(nil), data...), sw.Bytes()...)
	log.Debug("<< %s", hex.EncodeToString(response))
	return response, nil
}
