package authentication

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Tags of the public key data object inside an authentication token's 7F49 template.
const (
	TagDHPublicKey byte = 0x84
	TagECPublicKey byte = 0x86
)

var (
	// ErrOutOfOrder indicates KeyAgreement methods were called out of sequence.
	ErrOutOfOrder = errors.New("key agreement steps called out of order")
	// ErrEmptyNonce indicates FirstEphemeralKey was given an empty nonce.
	ErrEmptyNonce = errors.New("empty nonce")
)

// KeyAgreement performs the group arithmetic of PACE with generic mapping for one party. Terminals
// and (simulated) chips use the same engine: the local keys are called X1 and X2 and the peer's
// keys Y1 and Y2.
//
// A KeyAgreement is single-use and must not be shared between goroutines.
type KeyAgreement interface {
	// FirstEphemeralKey stores the decrypted nonce s, generates x1 and returns X1 = x1·G.
	FirstEphemeralKey(nonce []byte) ([]byte, error)
	// SecondEphemeralKey computes the mapped generator G' = s·G + x1·Y1, generates x2 and returns
	// X2 = x2·G'.
	SecondEphemeralKey(peerFirst []byte) ([]byte, error)
	// SharedSecret returns the fixed-length encoding of x2·Y2: the x coordinate for elliptic
	// curves, the full integer for finite-field groups.
	SharedSecret(peerSecond []byte) ([]byte, error)
	// PublicKeyTag returns TagECPublicKey or TagDHPublicKey.
	PublicKeyTag() byte
	Parameters() DomainParameters
}

// NewKeyAgreement returns a KeyAgreement for params that draws private keys from rng. A nil rng
// selects crypto/rand.Reader.
func NewKeyAgreement(params DomainParameters, rng io.Reader) KeyAgreement {
	if rng == nil {
		rng = rand.Reader
	}
	return params.newKeyAgreement(rng)
}

// ScalarSize returns the number of random bytes consumed for each private key of a group with
// the given order.
func ScalarSize(order *big.Int) int {
	return (order.BitLen()+7)/8 + 8
}

// randomScalar returns an integer in [1, order-1] using the extra random bits method of FIPS 186-4
// B.4.1: 64 more bits than the order are read and reduced modulo order-1.
func randomScalar(rng io.Reader, order *big.Int) (*big.Int, error) {
	buf := make([]byte, ScalarSize(order))
	if _, err := io.ReadFull(rng, buf); err != nil {
		return nil, err
	}
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(order, big.NewInt(1)))
	return k.Add(k, big.NewInt(1)), nil
}

func invalidElement(format string, a ...interface{}) error {
	return protocol.NewError(protocol.KindInvalidGroupElement, format, a...)
}
