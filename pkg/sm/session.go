package sm

import (
	"crypto/subtle"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Secure Messaging data objects.
const (
	TagEncryptedData tlv.Tag = 0x87
	TagChecksum      tlv.Tag = 0x8E
	TagExpectedLen   tlv.Tag = 0x97
	TagStatusWord    tlv.Tag = 0x99
)

// ClassSM is OR-ed into the class byte of protected commands.
const ClassSM byte = 0x0C

// paddingIndicator precedes the cryptogram in DO87: ISO 9797-1 padding method 2.
const paddingIndicator = 0x01

type session struct {
	protocol protocol.Protocol
	provider authentication.Provider
	kenc     []byte
	kmac     []byte
	ssc      []byte
}

func newSession(keys *authentication.SessionKeys, ssc []byte) (*session, error) {
	provider, err := authentication.NewProvider(keys.Protocol.Cipher)
	if err != nil {
		return nil, err
	}
	size := keys.Protocol.KeyBytes()
	if len(keys.Enc) != size || len(keys.MAC) != size {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "%s requires %d byte keys", keys.Protocol.Name(), size)
	}
	if ssc == nil {
		ssc = make([]byte, provider.BlockSize())
	}
	if len(ssc) != provider.BlockSize() {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "send sequence counter must be %d bytes", provider.BlockSize())
	}
	return &session{
		protocol: keys.Protocol,
		provider: provider,
		kenc:     append([]byte(nil), keys.Enc...),
		kmac:     append([]byte(nil), keys.MAC...),
		ssc:      append([]byte(nil), ssc...),
	}, nil
}

// increment advances the big-endian counter. It wraps around silently; a session never gets close.
func (s *session) increment() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *session) encrypt(plaintext []byte) ([]byte, error) {
	iv, err := s.provider.IV(s.kenc, s.ssc)
	if err != nil {
		return nil, err
	}
	cryptogram, err := s.provider.Encrypt(s.kenc, iv, authentication.Pad(plaintext, s.provider.BlockSize()))
	if err != nil {
		return nil, err
	}
	return tlv.Encode(TagEncryptedData, append([]byte{paddingIndicator}, cryptogram...))
}

func (s *session) decrypt(do87 tlv.Object) ([]byte, error) {
	if len(do87.Value) < 1 || do87.Value[0] != paddingIndicator {
		return nil, errors.New("unsupported padding indicator")
	}
	iv, err := s.provider.IV(s.kenc, s.ssc)
	if err != nil {
		return nil, err
	}
	padded, err := s.provider.Decrypt(s.kenc, iv, do87.Value[1:])
	if err != nil {
		return nil, err
	}
	return authentication.Unpad(padded)
}

// checksum returns the MAC over SSC || objects, padded as a whole.
func (s *session) checksum(objects ...[]byte) ([]byte, error) {
	input := append([]byte(nil), s.ssc...)
	for _, o := range objects {
		input = append(input, o...)
	}
	return s.provider.PaddedMAC(s.kmac, input)
}

func (s *session) verify(mac []byte, objects ...[]byte) error {
	expected, err := s.checksum(objects...)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return errors.New("checksum mismatch")
	}
	return nil
}

func (s *session) paddedHeader(header [4]byte) []byte {
	return authentication.Pad(header[:], s.provider.BlockSize())
}

func encodeLe(ne int, extended bool) []byte {
	if extended {
		return []byte{byte(ne >> 8), byte(ne)}
	}
	return []byte{byte(ne)}
}

// decodeLe returns the Ne carried by the value of DO97.
func decodeLe(v []byte) (int, bool) {
	switch {
	case len(v) == 1 && v[0] == 0:
		return apdu.MaxLenResponseDataStandard, true
	case len(v) == 1:
		return int(v[0]), true
	case len(v) == 2 && v[0] == 0 && v[1] == 0:
		return apdu.MaxLenResponseDataExtended, true
	case len(v) == 2:
		return int(v[0])<<8 | int(v[1]), true
	}
	return 0, false
}
