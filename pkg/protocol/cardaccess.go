package protocol

import (
	"encoding/asn1"
	"fmt"
	"math/big"
)

// File identifiers of the security info files (TR-03110 part 3, appendix A.1.2).
const (
	FileCardAccess        uint16 = 0x011C
	FileCardSecurity      uint16 = 0x011D
	ShortFileCardAccess   byte   = 0x1C
	ShortFileCardSecurity byte   = 0x1D
)

const (
	noParameterID          = -1
	maxStandardParameterID = 31
)

// PACEInfo announces a PACE protocol supported by the chip.
type PACEInfo struct {
	Protocol Protocol
	Version  int
	// ParameterID selects the domain parameters. It is -1 when the chip omitted it.
	ParameterID int
}

// ECDomainParameters holds explicit prime-field curve parameters (ANSI X9.62 ECParameters).
type ECDomainParameters struct {
	Prime    *big.Int
	A        *big.Int
	B        *big.Int
	Order    *big.Int
	Cofactor *big.Int
	// Generator is the uncompressed base point 04 || x || y.
	Generator []byte
}

// DHDomainParameters holds explicit finite-field parameters (ANSI X9.42 DomainParameters).
type DHDomainParameters struct {
	P *big.Int
	G *big.Int
	Q *big.Int
}

// PACEDomainParameterInfo carries proprietary domain parameters for a PACE family. Exactly one
// of EC, DH and StandardizedID (>= 0) is set.
type PACEDomainParameterInfo struct {
	// Protocol is a PACE family such as id-PACE-ECDH-GM.
	Protocol       asn1.ObjectIdentifier
	EC             *ECDomainParameters
	DH             *DHDomainParameters
	StandardizedID int
	ParameterID    int
}

// ChipAuthenticationInfo announces Chip Authentication support. It is decoded for display only.
type ChipAuthenticationInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
	KeyID    int
}

// CardAccess is the decoded content of EF.CardAccess (a DER SecurityInfos set).
type CardAccess struct {
	PACE               []PACEInfo
	DomainParameters   []PACEDomainParameterInfo
	ChipAuthentication []ChipAuthenticationInfo
	// Unknown holds the DER encoding of every SecurityInfo this package doesn't interpret.
	Unknown [][]byte
}

type securityInfo struct {
	Protocol asn1.ObjectIdentifier
	Required asn1.RawValue
	Optional asn1.RawValue `asn1:"optional"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type fieldID struct {
	FieldType asn1.ObjectIdentifier
	Prime     *big.Int
}

type curve struct {
	A    []byte
	B    []byte
	Seed asn1.BitString `asn1:"optional"`
}

type ecParameters struct {
	Version  int
	FieldID  fieldID
	Curve    curve
	Base     []byte
	Order    *big.Int
	Cofactor *big.Int `asn1:"optional"`
}

type dhParameters struct {
	P *big.Int
	G *big.Int
	Q *big.Int
}

// ParseCardAccess decodes the SecurityInfos stored in EF.CardAccess.
func ParseCardAccess(data []byte) (*CardAccess, error) {
	var infos []securityInfo
	rest, err := asn1.UnmarshalWithParams(data, &infos, "set")
	if err != nil {
		return nil, fmt.Errorf("malformed SecurityInfos: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("malformed SecurityInfos: %d trailing bytes", len(rest))
	}
	access := &CardAccess{}
	for _, info := range infos {
		recognized, err := access.add(info)
		if err != nil {
			return nil, err
		}
		if !recognized {
			der, err := asn1.Marshal(info)
			if err != nil {
				return nil, err
			}
			access.Unknown = append(access.Unknown, der)
		}
	}
	return access, nil
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier, extra int) bool {
	return len(oid) == len(prefix)+extra && oid[:len(prefix)].Equal(prefix)
}

func parseOptionalInt(raw asn1.RawValue) (int, error) {
	if len(raw.FullBytes) == 0 {
		return noParameterID, nil
	}
	var n int
	if _, err := asn1.Unmarshal(raw.FullBytes, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *CardAccess) add(info securityInfo) (bool, error) {
	switch {
	case hasPrefix(info.Protocol, OIDPACE, 2):
		protocol, err := ParseProtocol(info.Protocol)
		if err != nil {
			return false, nil
		}
		p := PACEInfo{Protocol: protocol}
		if _, err := asn1.Unmarshal(info.Required.FullBytes, &p.Version); err != nil {
			return false, fmt.Errorf("malformed PACEInfo version: %w", err)
		}
		if p.ParameterID, err = parseOptionalInt(info.Optional); err != nil {
			return false, fmt.Errorf("malformed PACEInfo parameterId: %w", err)
		}
		c.PACE = append(c.PACE, p)
		return true, nil
	case hasPrefix(info.Protocol, OIDPACE, 1):
		d, err := parseDomainParameterInfo(info)
		if err != nil {
			return false, fmt.Errorf("malformed PACEDomainParameterInfo: %w", err)
		}
		c.DomainParameters = append(c.DomainParameters, d)
		return true, nil
	case hasPrefix(info.Protocol, OIDChipAuthentication, 2):
		ca := ChipAuthenticationInfo{Protocol: info.Protocol}
		if _, err := asn1.Unmarshal(info.Required.FullBytes, &ca.Version); err != nil {
			return false, fmt.Errorf("malformed ChipAuthenticationInfo version: %w", err)
		}
		var err error
		if ca.KeyID, err = parseOptionalInt(info.Optional); err != nil {
			return false, fmt.Errorf("malformed ChipAuthenticationInfo keyId: %w", err)
		}
		c.ChipAuthentication = append(c.ChipAuthentication, ca)
		return true, nil
	}
	return false, nil
}

func parseDomainParameterInfo(info securityInfo) (PACEDomainParameterInfo, error) {
	d := PACEDomainParameterInfo{Protocol: info.Protocol, StandardizedID: noParameterID}
	var err error
	if d.ParameterID, err = parseOptionalInt(info.Optional); err != nil {
		return d, err
	}
	var alg algorithmIdentifier
	if _, err = asn1.Unmarshal(info.Required.FullBytes, &alg); err != nil {
		return d, err
	}
	switch {
	case alg.Algorithm.Equal(OIDStandardizedDomainParameters):
		if _, err = asn1.Unmarshal(alg.Parameters.FullBytes, &d.StandardizedID); err != nil {
			return d, err
		}
	case alg.Algorithm.Equal(OIDECPublicKey):
		var params ecParameters
		if _, err = asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return d, err
		}
		if !params.FieldID.FieldType.Equal(OIDPrimeField) {
			return d, NewError(KindUnsupportedParameters, "field type %s is not a prime field", params.FieldID.FieldType)
		}
		d.EC = &ECDomainParameters{
			Prime:     params.FieldID.Prime,
			A:         new(big.Int).SetBytes(params.Curve.A),
			B:         new(big.Int).SetBytes(params.Curve.B),
			Order:     params.Order,
			Cofactor:  params.Cofactor,
			Generator: params.Base,
		}
		if d.EC.Cofactor == nil {
			d.EC.Cofactor = big.NewInt(1)
		}
	case alg.Algorithm.Equal(OIDDHPublicNumber):
		var params dhParameters
		if _, err = asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return d, err
		}
		d.DH = &DHDomainParameters{P: params.P, G: params.G, Q: params.Q}
	default:
		return d, NewError(KindUnsupportedParameters, "unknown domain parameter algorithm %s", alg.Algorithm)
	}
	return d, nil
}

// DomainParameterInfo returns the first PACEDomainParameterInfo with the given parameter ID.
func (c *CardAccess) DomainParameterInfo(parameterID int) (PACEDomainParameterInfo, bool) {
	for _, d := range c.DomainParameters {
		if d.ParameterID == parameterID {
			return d, true
		}
	}
	return PACEDomainParameterInfo{}, false
}

// IsStandardParameterID returns true for parameter IDs reserved for standardized domain
// parameters (0-31).
func IsStandardParameterID(id int) bool {
	return id >= 0 && id <= maxStandardParameterID
}

func rawInt(n int) (asn1.RawValue, error) {
	der, err := asn1.Marshal(n)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}

func rawOptionalInt(n int) (asn1.RawValue, error) {
	if n < 0 {
		return asn1.RawValue{}, nil
	}
	return rawInt(n)
}

func rawValue(v interface{}) (asn1.RawValue, error) {
	der, err := asn1.Marshal(v)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}

func (d PACEDomainParameterInfo) algorithm() (algorithmIdentifier, error) {
	var err error
	alg := algorithmIdentifier{}
	switch {
	case d.EC != nil:
		alg.Algorithm = OIDECPublicKey
		alg.Parameters, err = rawValue(ecParameters{
			Version: 1,
			FieldID: fieldID{FieldType: OIDPrimeField, Prime: d.EC.Prime},
			Curve: curve{
				A: fieldBytes(d.EC.A, d.EC.Prime),
				B: fieldBytes(d.EC.B, d.EC.Prime),
			},
			Base:     d.EC.Generator,
			Order:    d.EC.Order,
			Cofactor: d.EC.Cofactor,
		})
	case d.DH != nil:
		alg.Algorithm = OIDDHPublicNumber
		alg.Parameters, err = rawValue(dhParameters{P: d.DH.P, G: d.DH.G, Q: d.DH.Q})
	default:
		alg.Algorithm = OIDStandardizedDomainParameters
		alg.Parameters, err = rawInt(d.StandardizedID)
	}
	return alg, err
}

func fieldBytes(n, prime *big.Int) []byte {
	return n.FillBytes(make([]byte, (prime.BitLen()+7)/8))
}

// Marshal returns the DER encoding of c. Unknown entries are emitted unchanged.
func (c *CardAccess) Marshal() ([]byte, error) {
	var infos []securityInfo
	for _, p := range c.PACE {
		info := securityInfo{Protocol: p.Protocol.OID}
		var err error
		if info.Required, err = rawInt(p.Version); err != nil {
			return nil, err
		}
		if info.Optional, err = rawOptionalInt(p.ParameterID); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	for _, d := range c.DomainParameters {
		alg, err := d.algorithm()
		if err != nil {
			return nil, err
		}
		info := securityInfo{Protocol: d.Protocol}
		if info.Required, err = rawValue(alg); err != nil {
			return nil, err
		}
		if info.Optional, err = rawOptionalInt(d.ParameterID); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	for _, ca := range c.ChipAuthentication {
		info := securityInfo{Protocol: ca.Protocol}
		var err error
		if info.Required, err = rawInt(ca.Version); err != nil {
			return nil, err
		}
		if info.Optional, err = rawOptionalInt(ca.KeyID); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	for _, der := range c.Unknown {
		var info securityInfo
		if _, err := asn1.Unmarshal(der, &info); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return asn1.MarshalWithParams(infos, "set")
}
