package authentication

import (
	"crypto/elliptic"
	"fmt"
	"io"
	"math/big"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// DomainParameters describe the group used for PACE key agreement. The set of implementations is
// closed: *ECParameters and *DHParameters.
type DomainParameters interface {
	Group() protocol.GroupType
	// Order returns the order of the subgroup generated by the base element.
	Order() *big.Int
	// ElementSize returns the length of an encoded public key.
	ElementSize() int
	String() string

	newKeyAgreement(rng io.Reader) KeyAgreement
}

// ECParameters describe a short Weierstrass curve y² = x³ + ax + b over GF(p).
type ECParameters struct {
	Name   string
	P      *big.Int
	A      *big.Int
	B      *big.Int
	Gx, Gy *big.Int
	N      *big.Int
}

// DHParameters describe a prime-order subgroup of GF(p)*.
type DHParameters struct {
	Name string
	P    *big.Int
	G    *big.Int
	Q    *big.Int
}

func (c *ECParameters) Group() protocol.GroupType { return protocol.GroupECDH }
func (c *ECParameters) Order() *big.Int           { return c.N }
func (c *ECParameters) String() string            { return c.Name }

// ElementSize returns the length of an uncompressed point.
func (c *ECParameters) ElementSize() int {
	return 1 + 2*c.fieldSize()
}

func (c *ECParameters) fieldSize() int {
	return (c.P.BitLen() + 7) / 8
}

func (d *DHParameters) Group() protocol.GroupType { return protocol.GroupDH }
func (d *DHParameters) Order() *big.Int           { return d.Q }
func (d *DHParameters) String() string            { return d.Name }
func (d *DHParameters) ElementSize() int          { return (d.P.BitLen() + 7) / 8 }

type standardEntry struct {
	name string
	new  func() DomainParameters
}

var rfc5114Names = [3]string{
	"1024-bit MODP group with 160-bit prime order subgroup",
	"2048-bit MODP group with 224-bit prime order subgroup",
	"2048-bit MODP group with 256-bit prime order subgroup",
}

// TR-03110 part 3, table 4. IDs 3-7 and 19-31 are reserved.
var standardParameters = map[int]standardEntry{
	0:  {rfc5114Names[0], func() DomainParameters { return rfc5114Group(0) }},
	1:  {rfc5114Names[1], func() DomainParameters { return rfc5114Group(1) }},
	2:  {rfc5114Names[2], func() DomainParameters { return rfc5114Group(2) }},
	8:  {"secp192r1", func() DomainParameters { return hexCurve("secp192r1", secp192r1) }},
	9:  {"brainpoolP192r1", func() DomainParameters { return hexCurve("brainpoolP192r1", brainpoolP192r1) }},
	10: {"secp224r1", func() DomainParameters { return nistCurve("secp224r1", elliptic.P224()) }},
	11: {"brainpoolP224r1", func() DomainParameters { return hexCurve("brainpoolP224r1", brainpoolP224r1) }},
	12: {"secp256r1", func() DomainParameters { return nistCurve("secp256r1", elliptic.P256()) }},
	13: {"brainpoolP256r1", func() DomainParameters { return hexCurve("brainpoolP256r1", brainpoolP256r1) }},
	14: {"brainpoolP320r1", func() DomainParameters { return hexCurve("brainpoolP320r1", brainpoolP320r1) }},
	15: {"secp384r1", func() DomainParameters { return nistCurve("secp384r1", elliptic.P384()) }},
	16: {"brainpoolP384r1", func() DomainParameters { return hexCurve("brainpoolP384r1", brainpoolP384r1) }},
	17: {"brainpoolP512r1", func() DomainParameters { return hexCurve("brainpoolP512r1", brainpoolP512r1) }},
	18: {"secp521r1", func() DomainParameters { return nistCurve("secp521r1", elliptic.P521()) }},
}

// StandardDomainParameters returns the standardized domain parameters with the given ID.
func StandardDomainParameters(id int) (DomainParameters, error) {
	entry, ok := standardParameters[id]
	if !ok {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "standardized domain parameter ID %d is not supported", id)
	}
	return entry.new(), nil
}

// StandardDomainParameterIDs lists the supported standardized domain parameter IDs in ascending
// order.
func StandardDomainParameterIDs() []int {
	var ids []int
	for id := 0; id <= 31; id++ {
		if _, ok := standardParameters[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func nistCurve(name string, curve elliptic.Curve) *ECParameters {
	params := curve.Params()
	return &ECParameters{
		Name: name,
		P:    params.P,
		A:    new(big.Int).Sub(params.P, big.NewInt(3)),
		B:    params.B,
		Gx:   params.Gx,
		Gy:   params.Gy,
		N:    params.N,
	}
}

func hexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic(fmt.Sprintf("invalid hex constant %s", s))
	}
	return n
}

func hexCurve(name string, c [6]string) *ECParameters {
	return &ECParameters{
		Name: name,
		P:    hexInt(c[0]),
		A:    hexInt(c[1]),
		B:    hexInt(c[2]),
		Gx:   hexInt(c[3]),
		Gy:   hexInt(c[4]),
		N:    hexInt(c[5]),
	}
}

func rfc5114Group(id int) *DHParameters {
	g := rfc5114Groups[id]
	return &DHParameters{
		Name: rfc5114Names[id],
		P:    hexInt(g[0]),
		G:    hexInt(g[1]),
		Q:    hexInt(g[2]),
	}
}

// DomainParametersFromInfo builds domain parameters from a PACEDomainParameterInfo. Explicit
// parameters are validated; curves with a cofactor other than 1 are rejected.
func DomainParametersFromInfo(info protocol.PACEDomainParameterInfo) (DomainParameters, error) {
	switch {
	case info.EC != nil:
		return NewECParameters(info.EC)
	case info.DH != nil:
		return NewDHParameters(info.DH)
	case info.StandardizedID >= 0:
		return StandardDomainParameters(info.StandardizedID)
	}
	return nil, protocol.NewError(protocol.KindUnsupportedParameters, "empty domain parameter info")
}

// NewECParameters validates explicit curve parameters.
func NewECParameters(ec *protocol.ECDomainParameters) (*ECParameters, error) {
	if ec.Prime == nil || ec.A == nil || ec.B == nil || ec.Order == nil {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "incomplete curve parameters")
	}
	if ec.Prime.Cmp(big.NewInt(3)) <= 0 || ec.Prime.Bit(0) == 0 || !ec.Prime.ProbablyPrime(20) {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "curve field size is not an odd prime")
	}
	if ec.Cofactor != nil && ec.Cofactor.Cmp(big.NewInt(1)) != 0 {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "curves with cofactor %s are not supported", ec.Cofactor)
	}
	if ec.Order.Cmp(big.NewInt(1)) <= 0 || !ec.Order.ProbablyPrime(20) {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "curve order is not prime")
	}
	c := &ECParameters{
		Name: "explicit curve",
		P:    ec.Prime,
		A:    new(big.Int).Mod(ec.A, ec.Prime),
		B:    new(big.Int).Mod(ec.B, ec.Prime),
		N:    ec.Order,
	}
	g, err := c.decodePoint(ec.Generator)
	if err != nil {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "invalid curve generator: %s", err)
	}
	if !c.scalarMult(g, c.N).infinity() {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "generator order doesn't match curve order")
	}
	c.Gx, c.Gy = g.x, g.y
	return c, nil
}

// NewDHParameters validates explicit finite-field parameters.
func NewDHParameters(dh *protocol.DHDomainParameters) (*DHParameters, error) {
	if dh.P == nil || dh.G == nil || dh.Q == nil {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "incomplete DH parameters")
	}
	if dh.P.Cmp(big.NewInt(3)) <= 0 || !dh.P.ProbablyPrime(20) {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "DH modulus is not prime")
	}
	if dh.Q.Cmp(big.NewInt(1)) <= 0 || !dh.Q.ProbablyPrime(20) {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "DH subgroup order is not prime")
	}
	pMinusOne := new(big.Int).Sub(dh.P, big.NewInt(1))
	if dh.G.Cmp(big.NewInt(1)) <= 0 || dh.G.Cmp(pMinusOne) >= 0 {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "DH generator out of range")
	}
	if new(big.Int).Exp(dh.G, dh.Q, dh.P).Cmp(big.NewInt(1)) != 0 {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "DH generator doesn't have order q")
	}
	return &DHParameters{Name: "explicit MODP group", P: dh.P, G: dh.G, Q: dh.Q}, nil
}

// ECDomainParameters converts c for EF.CardAccess encoding.
func (c *ECParameters) ECDomainParameters() *protocol.ECDomainParameters {
	return &protocol.ECDomainParameters{
		Prime:     c.P,
		A:         c.A,
		B:         c.B,
		Order:     c.N,
		Cofactor:  big.NewInt(1),
		Generator: c.encodePoint(c.generator()),
	}
}

// DHDomainParameters converts d for EF.CardAccess encoding.
func (d *DHParameters) DHDomainParameters() *protocol.DHDomainParameters {
	return &protocol.DHDomainParameters{P: d.P, G: d.G, Q: d.Q}
}
