package sm

import (
	"encoding/asn1"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Session bundle fields.
const (
	fieldProtocol protowire.Number = 1
	fieldKeyEnc   protowire.Number = 2
	fieldKeyMAC   protowire.Number = 3
	fieldSSC      protowire.Number = 4
)

// ErrMalformedBundle indicates session bundle bytes that Resume can't decode.
var ErrMalformedBundle = errors.New("malformed session bundle")

// Export serializes the session keys and counter of c so that another process can continue the
// session with Resume. The bundle contains secret keys and must be stored accordingly.
//
// A Channel can only be exported between exchanges, never while a response is pending.
func (c *Channel) Export() ([]byte, error) {
	switch c.state {
	case stateBroken:
		return nil, protocol.WrapError(protocol.KindIntegrityFailure, errBroken)
	case stateAwaitingResponse:
		return nil, ErrResponsePending
	}
	var b []byte
	b = protowire.AppendTag(b, fieldProtocol, protowire.BytesType)
	b = protowire.AppendBytes(b, c.protocol.EncodedOID())
	b = protowire.AppendTag(b, fieldKeyEnc, protowire.BytesType)
	b = protowire.AppendBytes(b, c.kenc)
	b = protowire.AppendTag(b, fieldKeyMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, c.kmac)
	b = protowire.AppendTag(b, fieldSSC, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ssc)
	return b, nil
}

// Resume restores a Channel from a bundle produced by Export.
func Resume(bundle []byte) (*Channel, error) {
	var oid, ssc []byte
	keys := &authentication.SessionKeys{}
	for len(bundle) > 0 {
		num, typ, n := protowire.ConsumeTag(bundle)
		if n < 0 {
			return nil, errors.Wrap(ErrMalformedBundle, protowire.ParseError(n).Error())
		}
		bundle = bundle[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, bundle)
			if n < 0 {
				return nil, errors.Wrap(ErrMalformedBundle, protowire.ParseError(n).Error())
			}
			bundle = bundle[n:]
			continue
		}
		value, n := protowire.ConsumeBytes(bundle)
		if n < 0 {
			return nil, errors.Wrap(ErrMalformedBundle, protowire.ParseError(n).Error())
		}
		bundle = bundle[n:]
		switch num {
		case fieldProtocol:
			oid = value
		case fieldKeyEnc:
			keys.Enc = append([]byte(nil), value...)
		case fieldKeyMAC:
			keys.MAC = append([]byte(nil), value...)
		case fieldSSC:
			ssc = value
		}
	}
	if oid == nil || keys.Enc == nil || keys.MAC == nil || ssc == nil {
		return nil, errors.Wrap(ErrMalformedBundle, "missing fields")
	}
	var id asn1.ObjectIdentifier
	if rest, err := asn1.Unmarshal(oid, &id); err != nil || len(rest) > 0 {
		return nil, errors.Wrap(ErrMalformedBundle, "invalid protocol identifier")
	}
	p, err := protocol.ParseProtocol(id)
	if err != nil {
		return nil, err
	}
	keys.Protocol = p
	s, err := newSession(keys, ssc)
	if err != nil {
		return nil, err
	}
	return &Channel{session: s}, nil
}
