package authentication

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"

	"github.com/aead/cmac"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// MACSize is the length of authentication tokens and Secure Messaging checksums.
const MACSize = 8

var (
	// ErrInvalidPadding indicates decrypted data doesn't end with ISO 9797-1 method 2 padding.
	ErrInvalidPadding = errors.New("invalid padding")
	// ErrBlockAlignment indicates input to a block cipher isn't a multiple of the block size.
	ErrBlockAlignment = errors.New("input is not a multiple of the block size")
)

// A Provider supplies the symmetric primitives of a PACE cipher suite.
type Provider interface {
	Cipher() protocol.CipherType
	BlockSize() int
	// Encrypt and Decrypt apply CBC mode without padding.
	Encrypt(key, iv, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, ciphertext []byte) ([]byte, error)
	// MAC computes an 8-byte authentication token. 3DES pads the input; AES-CMAC doesn't.
	MAC(key, data []byte) ([]byte, error)
	// PaddedMAC computes the MAC of Pad(data), as used by Secure Messaging.
	PaddedMAC(key, data []byte) ([]byte, error)
	// IV returns the Secure Messaging IV for a send sequence counter value.
	IV(key, ssc []byte) ([]byte, error)
}

// NewProvider returns the Provider for c.
func NewProvider(c protocol.CipherType) (Provider, error) {
	switch c {
	case protocol.CipherAES:
		return aesProvider{}, nil
	case protocol.Cipher3DES:
		return tdesProvider{}, nil
	}
	return nil, protocol.NewError(protocol.KindUnsupportedParameters, "unknown cipher %s", c)
}

// Pad applies ISO 9797-1 padding method 2: 0x80 followed by zeros up to a multiple of blockSize.
// A full block of padding is added to aligned input.
func Pad(data []byte, blockSize int) []byte {
	padded := make([]byte, len(data), len(data)+blockSize-len(data)%blockSize)
	copy(padded, data)
	padded = append(padded, 0x80)
	for len(padded)%blockSize != 0 {
		padded = append(padded, 0x00)
	}
	return padded
}

// Unpad removes ISO 9797-1 padding method 2.
func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		}
		break
	}
	return nil, ErrInvalidPadding
}

func cbcEncrypt(block cipher.Block, iv, plaintext []byte) ([]byte, error) {
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, ErrBlockAlignment
	}
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrBlockAlignment
	}
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

type aesProvider struct{}

func (aesProvider) Cipher() protocol.CipherType { return protocol.CipherAES }
func (aesProvider) BlockSize() int              { return aes.BlockSize }

func (aesProvider) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, plaintext)
}

func (aesProvider) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, ciphertext)
}

func (aesProvider) MAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	mac, err := cmac.NewWithTagSize(block, MACSize)
	if err != nil {
		return nil, err
	}
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (p aesProvider) PaddedMAC(key, data []byte) ([]byte, error) {
	return p.MAC(key, Pad(data, aes.BlockSize))
}

// IV encrypts the counter with Kenc.
func (aesProvider) IV(key, ssc []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ssc) != aes.BlockSize {
		return nil, ErrBlockAlignment
	}
	iv := make([]byte, aes.BlockSize)
	block.Encrypt(iv, ssc)
	return iv, nil
}

// tdesProvider implements two-key 3DES (K1 || K2 || K1) with the ISO 9797-1 MAC algorithm 3
// ("retail MAC").
type tdesProvider struct{}

func (tdesProvider) Cipher() protocol.CipherType { return protocol.Cipher3DES }
func (tdesProvider) BlockSize() int              { return des.BlockSize }

func tripleDES(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, des.KeySizeError(len(key))
	}
	ede := make([]byte, 0, 24)
	ede = append(ede, key...)
	ede = append(ede, key[:8]...)
	return des.NewTripleDESCipher(ede)
}

func (tdesProvider) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := tripleDES(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, plaintext)
}

func (tdesProvider) Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := tripleDES(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, ciphertext)
}

func (tdesProvider) MAC(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, des.KeySizeError(len(key))
	}
	k1, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	k2, err := des.NewCipher(key[8:])
	if err != nil {
		return nil, err
	}
	chained, err := cbcEncrypt(k1, nil, Pad(data, des.BlockSize))
	if err != nil {
		return nil, err
	}
	mac := chained[len(chained)-des.BlockSize:]
	k2.Decrypt(mac, mac)
	k1.Encrypt(mac, mac)
	return mac, nil
}

func (p tdesProvider) PaddedMAC(key, data []byte) ([]byte, error) {
	return p.MAC(key, data)
}

// IV is all zeros for 3DES Secure Messaging.
func (tdesProvider) IV(key, ssc []byte) ([]byte, error) {
	return make([]byte, des.BlockSize), nil
}
