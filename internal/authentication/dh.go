package authentication

import (
	"bytes"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"
)

type dhKeyAgreement struct {
	params  *DHParameters
	rng     io.Reader
	p       *saferith.Modulus
	q       *saferith.Nat
	g       *saferith.Nat
	nonce   *saferith.Nat
	x1      *saferith.Nat
	x2      *saferith.Nat
	public2 []byte
}

func (d *DHParameters) newKeyAgreement(rng io.Reader) KeyAgreement {
	return &dhKeyAgreement{
		params: d,
		rng:    rng,
		p:      saferith.ModulusFromBytes(d.P.Bytes()),
		q:      new(saferith.Nat).SetBytes(d.Q.Bytes()),
		g:      new(saferith.Nat).SetBytes(d.G.Bytes()),
	}
}

func (e *dhKeyAgreement) Parameters() DomainParameters { return e.params }
func (e *dhKeyAgreement) PublicKeyTag() byte           { return TagDHPublicKey }

func (e *dhKeyAgreement) encode(n *saferith.Nat) []byte {
	return n.FillBytes(make([]byte, e.params.ElementSize()))
}

func one() *saferith.Nat {
	return new(saferith.Nat).SetUint64(1)
}

// decode checks 1 < y < p-1 and y^q = 1 (mod p).
func (e *dhKeyAgreement) decode(b []byte) (*saferith.Nat, error) {
	if len(b) == 0 || len(b) > e.params.ElementSize() {
		return nil, invalidElement("element has length %d", len(b))
	}
	y := new(big.Int).SetBytes(b)
	pMinusOne := new(big.Int).Sub(e.params.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinusOne) >= 0 {
		return nil, invalidElement("element out of range")
	}
	n := new(saferith.Nat).SetBytes(b)
	if new(saferith.Nat).Exp(n, e.q, e.p).Eq(one()) != 1 {
		return nil, invalidElement("element is not in the prime order subgroup")
	}
	return n, nil
}

func (e *dhKeyAgreement) randomExponent() (*saferith.Nat, error) {
	k, err := randomScalar(e.rng, e.params.Q)
	if err != nil {
		return nil, err
	}
	return new(saferith.Nat).SetBytes(k.Bytes()), nil
}

func (e *dhKeyAgreement) FirstEphemeralKey(nonce []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, ErrEmptyNonce
	}
	x1, err := e.randomExponent()
	if err != nil {
		return nil, err
	}
	e.nonce = new(saferith.Nat).SetBytes(nonce)
	e.x1 = x1
	return e.encode(new(saferith.Nat).Exp(e.g, x1, e.p)), nil
}

func (e *dhKeyAgreement) SecondEphemeralKey(peerFirst []byte) ([]byte, error) {
	if e.x1 == nil {
		return nil, ErrOutOfOrder
	}
	y1, err := e.decode(peerFirst)
	if err != nil {
		return nil, err
	}
	h := new(saferith.Nat).Exp(y1, e.x1, e.p)
	gs := new(saferith.Nat).Exp(e.g, e.nonce, e.p)
	mapped := new(saferith.Nat).ModMul(gs, h, e.p)
	if mapped.Eq(one()) == 1 {
		return nil, invalidElement("mapped generator is the identity")
	}
	x2, err := e.randomExponent()
	if err != nil {
		return nil, err
	}
	e.x1 = nil
	e.x2 = x2
	e.public2 = e.encode(new(saferith.Nat).Exp(mapped, x2, e.p))
	return e.public2, nil
}

func (e *dhKeyAgreement) SharedSecret(peerSecond []byte) ([]byte, error) {
	if e.x2 == nil {
		return nil, ErrOutOfOrder
	}
	if bytes.Equal(peerSecond, e.public2) {
		return nil, invalidElement("peer reflected our ephemeral key")
	}
	y2, err := e.decode(peerSecond)
	if err != nil {
		return nil, err
	}
	k := new(saferith.Nat).Exp(y2, e.x2, e.p)
	if k.Eq(one()) == 1 {
		return nil, invalidElement("shared secret is the identity")
	}
	return e.encode(k), nil
}
