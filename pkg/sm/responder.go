package sm

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Responder is the chip's side of a Secure Messaging session. It verifies protected commands and
// protects the corresponding responses, keeping its counter in step with a terminal's Channel.
type Responder struct {
	*session
	pending bool
}

// NewResponder returns a Responder for keys with an all-zero send sequence counter.
func NewResponder(keys *authentication.SessionKeys) (*Responder, error) {
	s, err := newSession(keys, nil)
	if err != nil {
		return nil, err
	}
	return &Responder{session: s}, nil
}

// SSC returns a copy of the current send sequence counter.
func (r *Responder) SSC() []byte {
	return append([]byte(nil), r.ssc...)
}

// UnwrapCommand verifies a protected command and returns the plain command it carries. Errors
// have kind [protocol.KindIntegrityFailure]; a chip answers them with SW 6988 and ends the session.
func (r *Responder) UnwrapCommand(protected []byte) (apdu.Capdu, error) {
	if r.pending {
		return apdu.Capdu{}, ErrResponsePending
	}
	cmd, err := parseCommand(protected)
	if err != nil {
		return apdu.Capdu{}, protocol.WrapError(protocol.KindIntegrityFailure, err)
	}
	r.increment()
	if cmd.header[0]&ClassSM != ClassSM {
		return apdu.Capdu{}, protocol.NewError(protocol.KindIntegrityFailure, "command is not protected")
	}
	objects, err := tlv.Decode(cmd.data)
	if err != nil {
		return apdu.Capdu{}, protocol.WrapError(protocol.KindIntegrityFailure, errors.Wrap(err, "decode command objects"))
	}
	do87, hasData := objects.Find(TagEncryptedData)
	do97, hasLe := objects.Find(TagExpectedLen)
	do8E, ok := objects.Find(TagChecksum)
	if !ok {
		return apdu.Capdu{}, protocol.NewError(protocol.KindIntegrityFailure, "missing DO8E")
	}
	if err := r.verify(do8E.Value, r.paddedHeader(cmd.header), do87.Raw, do97.Raw); err != nil {
		return apdu.Capdu{}, protocol.WrapError(protocol.KindIntegrityFailure, err)
	}

	plain := apdu.Capdu{
		Cla: cmd.header[0] &^ ClassSM,
		Ins: cmd.header[1],
		P1:  cmd.header[2],
		P2:  cmd.header[3],
	}
	if hasData {
		if plain.Data, err = r.decrypt(do87); err != nil {
			return apdu.Capdu{}, protocol.WrapError(protocol.KindIntegrityFailure, errors.Wrap(err, "decrypt command data"))
		}
	}
	if hasLe {
		if plain.Ne, ok = decodeLe(do97.Value); !ok {
			return apdu.Capdu{}, protocol.NewError(protocol.KindIntegrityFailure, "malformed DO97")
		}
	}
	r.pending = true
	return plain, nil
}

// WrapResponse protects a response with the given data and status word. The returned bytes
// include the transport status word, which repeats sw.
func (r *Responder) WrapResponse(data []byte, sw protocol.StatusWord) ([]byte, error) {
	if !r.pending {
		return nil, ErrNoCommand
	}
	r.pending = false
	r.increment()
	var do87 []byte
	var err error
	if len(data) > 0 {
		if do87, err = r.encrypt(data); err != nil {
			return nil, errors.Wrap(err, "encrypt response data")
		}
	}
	do99 := tlv.MustEncode(TagStatusWord, sw.Bytes())
	mac, err := r.checksum(do87, do99)
	if err != nil {
		return nil, errors.Wrap(err, "compute response checksum")
	}
	out := append(append(do87, do99...), tlv.MustEncode(TagChecksum, mac)...)
	return append(out, sw.Bytes()...), nil
}
