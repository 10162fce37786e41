package sm

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Commands longer than this are candidates for the length shrink below.
const maxUnshrunkCommand = 261

var (
	// ErrResponsePending indicates Wrap was called before the previous response was unwrapped.
	ErrResponsePending = errors.New("secure messaging response pending")
	// ErrNoCommand indicates Unwrap was called without a wrapped command outstanding.
	ErrNoCommand = errors.New("no secure messaging command outstanding")
)

type channelState int

const (
	stateIdle channelState = iota
	stateAwaitingResponse
	stateBroken
)

// Channel protects command APDUs sent by a terminal. A Channel is not safe for concurrent use:
// commands must be wrapped, transmitted and unwrapped strictly one at a time.
type Channel struct {
	*session
	state channelState
}

// NewChannel returns a Channel for keys with an all-zero send sequence counter.
func NewChannel(keys *authentication.SessionKeys) (*Channel, error) {
	s, err := newSession(keys, nil)
	if err != nil {
		return nil, err
	}
	return &Channel{session: s}, nil
}

// Protocol returns the PACE protocol the session keys were agreed with.
func (c *Channel) Protocol() protocol.Protocol {
	return c.protocol
}

// SSC returns a copy of the current send sequence counter.
func (c *Channel) SSC() []byte {
	return append([]byte(nil), c.ssc...)
}

// Broken returns true after an integrity failure. A broken Channel rejects every call.
func (c *Channel) Broken() bool {
	return c.state == stateBroken
}

func (c *Channel) fail(err error) error {
	c.state = stateBroken
	return protocol.WrapError(protocol.KindIntegrityFailure, err)
}

var errBroken = errors.New("channel closed after integrity failure")

// Wrap protects a plain command APDU.
//
// The class byte is OR-ed with 0x0C. Command data is encrypted into DO87, Le is carried in DO97
// and DO8E holds the checksum over the padded header and both objects. The result ends with
// Le = 00. Extended length fields are used when cmd uses them or the protected body needs them.
func (c *Channel) Wrap(cmd []byte) ([]byte, error) {
	switch c.state {
	case stateBroken:
		return nil, protocol.WrapError(protocol.KindIntegrityFailure, errBroken)
	case stateAwaitingResponse:
		return nil, ErrResponsePending
	}
	plain, err := parseCommand(cmd)
	if err != nil {
		return nil, err
	}
	c.increment()

	header := plain.header
	header[0] |= ClassSM
	var do87, do97 []byte
	if plain.kind.HasData() {
		if do87, err = c.encrypt(plain.data); err != nil {
			return nil, errors.Wrap(err, "encrypt command data")
		}
	}
	if plain.kind.ExpectsResponse() {
		do97 = tlv.MustEncode(TagExpectedLen, encodeLe(plain.ne, plain.kind.Extended()))
	}
	mac, err := c.checksum(c.paddedHeader(header), do87, do97)
	if err != nil {
		return nil, errors.Wrap(err, "compute command checksum")
	}

	protected := apdu.Capdu{
		Cla:  header[0],
		Ins:  header[1],
		P1:   header[2],
		P2:   header[3],
		Data: append(append(do87, do97...), tlv.MustEncode(TagChecksum, mac)...),
		Ne:   apdu.MaxLenResponseDataStandard,
	}
	if plain.kind.Extended() || protected.IsExtendedLength() {
		protected.Ne = apdu.MaxLenResponseDataExtended
	}
	out, err := protected.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode protected command")
	}
	c.state = stateAwaitingResponse
	return shrink(out), nil
}

// shrink works around readers that reject extended length fields: a long command whose extended
// Lc and Le both start with zero is rewritten with one-byte Lc and Le.
func shrink(cmd []byte) []byte {
	n := len(cmd)
	if n <= maxUnshrunkCommand || cmd[4] != 0 || cmd[5] != 0 || cmd[n-1] != 0 || cmd[n-2] != 0 {
		return cmd
	}
	log.Debug("shrinking Lc and Le of a %d byte command to one byte", n)
	out := make([]byte, 0, n-3)
	out = append(out, cmd[:4]...)
	return append(out, cmd[6:n-1]...)
}

// Unwrap verifies and decrypts a protected response APDU, including its trailing status word, and
// returns the plain response: decrypted data followed by the status word from DO99.
//
// Any verification failure breaks the Channel and returns an error of kind
// [protocol.KindIntegrityFailure]. If the chip answered without Secure Messaging objects, the error
// carries the status word it returned.
func (c *Channel) Unwrap(resp []byte) ([]byte, error) {
	switch c.state {
	case stateBroken:
		return nil, protocol.WrapError(protocol.KindIntegrityFailure, errBroken)
	case stateIdle:
		return nil, ErrNoCommand
	}
	c.increment()
	if len(resp) < 2 {
		return nil, c.fail(errors.New("response shorter than a status word"))
	}
	data := resp[:len(resp)-2]
	outer := protocol.NewStatusWord(resp[len(resp)-2], resp[len(resp)-1])
	if len(data) == 0 {
		c.state = stateBroken
		return nil, &protocol.CardError{
			Kind: protocol.KindIntegrityFailure,
			SW:   outer,
			Err:  errors.Errorf("response without secure messaging objects, SW %s", outer),
		}
	}

	objects, err := tlv.Decode(data)
	if err != nil {
		return nil, c.fail(errors.Wrap(err, "decode response objects"))
	}
	do87, hasData := objects.Find(TagEncryptedData)
	do99, ok := objects.Find(TagStatusWord)
	if !ok || len(do99.Value) != 2 {
		return nil, c.fail(errors.New("missing or malformed DO99"))
	}
	do8E, ok := objects.Find(TagChecksum)
	if !ok {
		return nil, c.fail(errors.New("missing DO8E"))
	}
	if err := c.verify(do8E.Value, do87.Raw, do99.Raw); err != nil {
		return nil, c.fail(err)
	}

	var plain []byte
	if hasData {
		if plain, err = c.decrypt(do87); err != nil {
			return nil, c.fail(errors.Wrap(err, "decrypt response data"))
		}
	}
	if inner := protocol.NewStatusWord(do99.Value[0], do99.Value[1]); inner != outer {
		log.Debug("protected status word %s differs from transport status word %s", inner, outer)
	}
	c.state = stateIdle
	return append(plain, do99.Value...), nil
}
