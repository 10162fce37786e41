package authentication

import (
	"bytes"
	"errors"
	"io"
	"math/big"
)

// Why not crypto/ecdh or crypto/elliptic?
//
// The generic mapping needs point addition (G' = s·G + H) on curves that crypto/ecdh doesn't
// expose, and crypto/elliptic.CurveParams assumes a = -3, which excludes the Brainpool curves.
// Points are therefore handled in affine coordinates with math/big. Nothing here runs in
// constant time.

var errInvalidEncoding = errors.New("not an uncompressed point of the expected length")

type point struct {
	x, y *big.Int
}

func (p point) infinity() bool {
	return p.x == nil
}

func (c *ECParameters) generator() point {
	return point{c.Gx, c.Gy}
}

func (c *ECParameters) isOnCurve(p point) bool {
	if p.x.Sign() < 0 || p.x.Cmp(c.P) >= 0 || p.y.Sign() < 0 || p.y.Cmp(c.P) >= 0 {
		return false
	}
	lhs := new(big.Int).Mul(p.y, p.y)
	lhs.Mod(lhs, c.P)
	// x³ + ax + b = (x² + a)x + b
	rhs := new(big.Int).Mul(p.x, p.x)
	rhs.Add(rhs, c.A)
	rhs.Mul(rhs, p.x)
	rhs.Add(rhs, c.B)
	rhs.Mod(rhs, c.P)
	return lhs.Cmp(rhs) == 0
}

// div returns num/den mod p. den must not be a multiple of p.
func (c *ECParameters) div(num, den *big.Int) *big.Int {
	den.Mod(den, c.P)
	num.Mul(num, new(big.Int).ModInverse(den, c.P))
	return num.Mod(num, c.P)
}

func (c *ECParameters) add(p1, p2 point) point {
	if p1.infinity() {
		return p2
	}
	if p2.infinity() {
		return p1
	}
	var lambda *big.Int
	if p1.x.Cmp(p2.x) == 0 {
		sum := new(big.Int).Add(p1.y, p2.y)
		if sum.Mod(sum, c.P).Sign() == 0 {
			return point{}
		}
		num := new(big.Int).Mul(p1.x, p1.x)
		num.Mul(num, big.NewInt(3))
		num.Add(num, c.A)
		lambda = c.div(num, new(big.Int).Lsh(p1.y, 1))
	} else {
		lambda = c.div(new(big.Int).Sub(p2.y, p1.y), new(big.Int).Sub(p2.x, p1.x))
	}
	x := new(big.Int).Mul(lambda, lambda)
	x.Sub(x, p1.x)
	x.Sub(x, p2.x)
	x.Mod(x, c.P)
	y := new(big.Int).Sub(p1.x, x)
	y.Mul(y, lambda)
	y.Sub(y, p1.y)
	y.Mod(y, c.P)
	return point{x, y}
}

// scalarMult returns k·p using a Montgomery ladder. k is not reduced modulo the curve order.
func (c *ECParameters) scalarMult(p point, k *big.Int) point {
	r0, r1 := point{}, p
	for i := k.BitLen() - 1; i >= 0; i-- {
		if k.Bit(i) == 0 {
			r1 = c.add(r0, r1)
			r0 = c.add(r0, r0)
		} else {
			r0 = c.add(r0, r1)
			r1 = c.add(r1, r1)
		}
	}
	return r0
}

func (c *ECParameters) encodePoint(p point) []byte {
	size := c.fieldSize()
	out := make([]byte, 1+2*size)
	out[0] = 0x04
	p.x.FillBytes(out[1 : 1+size])
	p.y.FillBytes(out[1+size:])
	return out
}

func (c *ECParameters) decodePoint(b []byte) (point, error) {
	size := c.fieldSize()
	if len(b) != 1+2*size || b[0] != 0x04 {
		return point{}, errInvalidEncoding
	}
	p := point{
		x: new(big.Int).SetBytes(b[1 : 1+size]),
		y: new(big.Int).SetBytes(b[1+size:]),
	}
	if !c.isOnCurve(p) {
		return point{}, errors.New("point is not on the curve")
	}
	return p, nil
}

type ecKeyAgreement struct {
	curve   *ECParameters
	rng     io.Reader
	nonce   *big.Int
	x1      *big.Int
	x2      *big.Int
	public2 []byte
}

func (c *ECParameters) newKeyAgreement(rng io.Reader) KeyAgreement {
	return &ecKeyAgreement{curve: c, rng: rng}
}

func (e *ecKeyAgreement) Parameters() DomainParameters { return e.curve }
func (e *ecKeyAgreement) PublicKeyTag() byte           { return TagECPublicKey }

func (e *ecKeyAgreement) FirstEphemeralKey(nonce []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, ErrEmptyNonce
	}
	x1, err := randomScalar(e.rng, e.curve.N)
	if err != nil {
		return nil, err
	}
	e.nonce = new(big.Int).SetBytes(nonce)
	e.x1 = x1
	return e.curve.encodePoint(e.curve.scalarMult(e.curve.generator(), x1)), nil
}

func (e *ecKeyAgreement) SecondEphemeralKey(peerFirst []byte) ([]byte, error) {
	if e.x1 == nil {
		return nil, ErrOutOfOrder
	}
	y1, err := e.curve.decodePoint(peerFirst)
	if err != nil {
		return nil, invalidElement("first ephemeral key: %s", err)
	}
	h := e.curve.scalarMult(y1, e.x1)
	if h.infinity() {
		return nil, invalidElement("mapping point is the point at infinity")
	}
	mapped := e.curve.add(e.curve.scalarMult(e.curve.generator(), e.nonce), h)
	if mapped.infinity() {
		return nil, invalidElement("mapped generator is the point at infinity")
	}
	x2, err := randomScalar(e.rng, e.curve.N)
	if err != nil {
		return nil, err
	}
	e.x1 = nil
	e.x2 = x2
	e.public2 = e.curve.encodePoint(e.curve.scalarMult(mapped, x2))
	return e.public2, nil
}

func (e *ecKeyAgreement) SharedSecret(peerSecond []byte) ([]byte, error) {
	if e.x2 == nil {
		return nil, ErrOutOfOrder
	}
	if bytes.Equal(peerSecond, e.public2) {
		return nil, invalidElement("peer reflected our ephemeral key")
	}
	y2, err := e.curve.decodePoint(peerSecond)
	if err != nil {
		return nil, invalidElement("second ephemeral key: %s", err)
	}
	k := e.curve.scalarMult(y2, e.x2)
	if k.infinity() {
		return nil, invalidElement("shared secret is the point at infinity")
	}
	return k.x.FillBytes(make([]byte, e.curve.fieldSize())), nil
}
