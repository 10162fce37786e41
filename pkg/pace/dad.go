package pace

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/action"
)

// Data object numbers of dynamic authentication data. Object n is encoded with the context
// specific tag 0x80 | n.
const (
	EncryptedNonce                   = 0
	TerminalMappingKey               = 1
	ChipMappingKey                   = 2
	TerminalEphemeralKey             = 3
	ChipEphemeralKey                 = 4
	TerminalToken                    = 5
	ChipToken                        = 6
	CertificationAuthorityReference  = 7
	PreviousAuthorityReference       = 8
	maxDynamicAuthenticationDataItem = 0x1E
)

// ErrMalformedAuthenticationData indicates a General Authenticate payload that isn't a 7C
// template of context specific data objects.
var ErrMalformedAuthenticationData = errors.New("malformed dynamic authentication data")

// DynamicAuthenticationData is the payload of a General Authenticate command or response,
// indexed by data object number.
type DynamicAuthenticationData map[int][]byte

// Marshal encodes d as a 7C template with data objects in ascending order.
func (d DynamicAuthenticationData) Marshal() ([]byte, error) {
	numbers := make([]int, 0, len(d))
	for n := range d {
		if n < 0 || n > maxDynamicAuthenticationDataItem {
			return nil, errors.Wrapf(ErrMalformedAuthenticationData, "data object number %d", n)
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	var body bytes.Buffer
	for _, n := range numbers {
		if err := tlv.Write(&body, tlv.Tag(0x80|n), d[n]); err != nil {
			return nil, err
		}
	}
	return tlv.Encode(action.TagDynamicAuthentication, body.Bytes())
}

// ParseDynamicAuthenticationData decodes a 7C template. Every inner object must be primitive and
// context specific, and no number may repeat.
func ParseDynamicAuthenticationData(b []byte) (DynamicAuthenticationData, error) {
	outer, rest, err := tlv.DecodeOne(b)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedAuthenticationData, err.Error())
	}
	if outer.Tag != action.TagDynamicAuthentication || len(rest) > 0 {
		return nil, errors.Wrapf(ErrMalformedAuthenticationData, "expected a single %s template", action.TagDynamicAuthentication)
	}
	inner, err := outer.Children()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedAuthenticationData, err.Error())
	}
	d := make(DynamicAuthenticationData, len(inner))
	for _, obj := range inner {
		if obj.Tag&0xE0 != 0x80 || obj.Tag > 0xFF || obj.Tag&0x1F > maxDynamicAuthenticationDataItem {
			return nil, errors.Wrapf(ErrMalformedAuthenticationData, "unexpected tag %s", obj.Tag)
		}
		n := int(obj.Tag & 0x1F)
		if _, ok := d[n]; ok {
			return nil, errors.Wrapf(ErrMalformedAuthenticationData, "repeated tag %s", obj.Tag)
		}
		d[n] = obj.Value
	}
	return d, nil
}
