package pace

// Authentication tokens prove that both parties derived the same MAC key. Each party computes the
// token over the ephemeral public key it received, so the terminal sends MAC(Kmac, PK_PICC) and
// expects MAC(Kmac, PK_PCD) in return.

import (
	"bytes"
	"crypto/subtle"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// TagPublicKey is the public key template authenticated by tokens.
const TagPublicKey tlv.Tag = 0x7F49

// TokenInput returns the public key data object 7F49 { 06 oid, tag publicKey } that the
// authentication token is computed over. keyTag is 0x86 for EC points and 0x84 for DH values.
func TokenInput(p protocol.Protocol, keyTag byte, publicKey []byte) ([]byte, error) {
	var key bytes.Buffer
	key.Write(p.EncodedOID())
	if err := tlv.Write(&key, tlv.Tag(keyTag), publicKey); err != nil {
		return nil, err
	}
	return tlv.Encode(TagPublicKey, key.Bytes())
}

// AuthenticationToken returns MAC(Kmac, TokenInput(...)).
func AuthenticationToken(provider authentication.Provider, kmac []byte, p protocol.Protocol, keyTag byte, publicKey []byte) ([]byte, error) {
	input, err := TokenInput(p, keyTag, publicKey)
	if err != nil {
		return nil, err
	}
	return provider.MAC(kmac, input)
}

// VerifyToken checks token against the token expected for publicKey in constant time.
func VerifyToken(provider authentication.Provider, kmac []byte, p protocol.Protocol, keyTag byte, publicKey, token []byte) (bool, error) {
	expected, err := AuthenticationToken(provider, kmac, p, keyTag, publicKey)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, token) == 1, nil
}
