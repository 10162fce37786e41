package authentication

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// KDF counters (TR-03110 part 3, A.2.3).
const (
	KDFEncryption uint32 = 1
	KDFMAC        uint32 = 2
	KDFPassword   uint32 = 3
)

// KDF derives a key for cipher/keyLength from secret. counter selects the key's purpose.
//
// 3DES and AES-128 keys are the leading 16 bytes of SHA-1(secret || counter); AES-192 and AES-256
// keys are taken from SHA-256. 3DES keys are parity adjusted.
func KDF(secret []byte, counter uint32, cipher protocol.CipherType, keyLength int) ([]byte, error) {
	var h hash.Hash
	var size int
	switch {
	case cipher == protocol.Cipher3DES && keyLength == 112:
		h, size = sha1.New(), 16
	case cipher == protocol.CipherAES && keyLength == 128:
		h, size = sha1.New(), 16
	case cipher == protocol.CipherAES && keyLength == 192:
		h, size = sha256.New(), 24
	case cipher == protocol.CipherAES && keyLength == 256:
		h, size = sha256.New(), 32
	default:
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "no key derivation for %s-%d", cipher, keyLength)
	}
	h.Write(secret)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	h.Write(c[:])
	key := h.Sum(nil)[:size]
	if cipher == protocol.Cipher3DES {
		adjustParity(key)
	}
	return key, nil
}

// ProtocolKDF is KDF with the cipher and key length of p.
func ProtocolKDF(secret []byte, counter uint32, p protocol.Protocol) ([]byte, error) {
	return KDF(secret, counter, p.Cipher, p.KeyLength)
}

// adjustParity sets the least significant bit of each byte so that every byte has odd parity.
func adjustParity(key []byte) {
	for i, b := range key {
		ones := 0
		for bit := 1; bit < 8; bit++ {
			ones += int(b>>bit) & 1
		}
		key[i] = b&0xFE | byte(1-ones%2)
	}
}

// SessionKeys holds the Secure Messaging keys agreed by PACE.
type SessionKeys struct {
	Protocol protocol.Protocol
	Enc      []byte
	MAC      []byte
}

// DeriveSessionKeys derives Kenc and Kmac from a PACE shared secret.
func DeriveSessionKeys(sharedSecret []byte, p protocol.Protocol) (*SessionKeys, error) {
	enc, err := ProtocolKDF(sharedSecret, KDFEncryption, p)
	if err != nil {
		return nil, err
	}
	mac, err := ProtocolKDF(sharedSecret, KDFMAC, p)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{Protocol: p, Enc: enc, MAC: mac}, nil
}

func (k *SessionKeys) String() string {
	return fmt.Sprintf("session keys for %s", k.Protocol.Name())
}
