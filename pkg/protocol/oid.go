package protocol

import (
	"encoding/asn1"
	"fmt"
	"strings"
)

// GroupType selects finite-field or elliptic-curve Diffie-Hellman.
type GroupType int

const (
	GroupDH GroupType = iota + 1
	GroupECDH
)

func (g GroupType) String() string {
	switch g {
	case GroupDH:
		return "DH"
	case GroupECDH:
		return "ECDH"
	}
	return fmt.Sprintf("group(%d)", int(g))
}

// Mapping selects the PACE nonce mapping.
type Mapping int

const (
	MappingGeneric Mapping = iota + 1
	MappingIntegrated
)

func (m Mapping) String() string {
	switch m {
	case MappingGeneric:
		return "GM"
	case MappingIntegrated:
		return "IM"
	}
	return fmt.Sprintf("mapping(%d)", int(m))
}

// CipherType selects the symmetric algorithms used for key confirmation and Secure Messaging.
type CipherType int

const (
	Cipher3DES CipherType = iota + 1
	CipherAES
)

func (c CipherType) String() string {
	switch c {
	case Cipher3DES:
		return "3DES"
	case CipherAES:
		return "AES"
	}
	return fmt.Sprintf("cipher(%d)", int(c))
}

var (
	// OIDBSI is bsi-de (0.4.0.127.0.7).
	OIDBSI = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7}
	// OIDPACE is id-PACE.
	OIDPACE = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 4}
	// OIDChipAuthentication is id-CA.
	OIDChipAuthentication = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 3}
	// OIDTerminalAuthentication is id-TA.
	OIDTerminalAuthentication = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2}
	// OIDECPublicKey identifies prime-field elliptic curve domain parameters (ANSI X9.62).
	OIDECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	// OIDPrimeField is id-prime-Field (ANSI X9.62).
	OIDPrimeField = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 1}
	// OIDDHPublicNumber identifies finite-field Diffie-Hellman domain parameters (ANSI X9.42).
	OIDDHPublicNumber = asn1.ObjectIdentifier{1, 2, 840, 10046, 2, 1}
	// OIDStandardizedDomainParameters is id-StandardizedDomainParameters.
	OIDStandardizedDomainParameters = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 2}
)

// PACE family suffixes below id-PACE.
const (
	familyDHGM   = 1
	familyECDHGM = 2
	familyDHIM   = 3
	familyECDHIM = 4
)

type cipherSuite struct {
	cipher    CipherType
	keyLength int
	name      string
}

// Cipher suffixes below a PACE family.
var cipherSuites = map[int]cipherSuite{
	1: {Cipher3DES, 112, "3DES-CBC-CBC"},
	2: {CipherAES, 128, "AES-CBC-CMAC-128"},
	3: {CipherAES, 192, "AES-CBC-CMAC-192"},
	4: {CipherAES, 256, "AES-CBC-CMAC-256"},
}

// Protocol describes a PACE protocol identifier.
type Protocol struct {
	OID     asn1.ObjectIdentifier
	Group   GroupType
	Mapping Mapping
	Cipher  CipherType
	// KeyLength is the derived key length in bits (112 for two-key 3DES).
	KeyLength int
}

// ParseProtocol decodes a PACE protocol OID such as id-PACE-ECDH-GM-AES-CBC-CMAC-128
// (0.4.0.127.0.7.2.2.4.2.2).
func ParseProtocol(oid asn1.ObjectIdentifier) (Protocol, error) {
	if len(oid) != len(OIDPACE)+2 || !oid[:len(OIDPACE)].Equal(OIDPACE) {
		return Protocol{}, NewError(KindUnsupportedParameters, "%s is not a PACE protocol identifier", oid)
	}
	p := Protocol{OID: append(asn1.ObjectIdentifier(nil), oid...)}
	switch oid[len(OIDPACE)] {
	case familyDHGM:
		p.Group, p.Mapping = GroupDH, MappingGeneric
	case familyECDHGM:
		p.Group, p.Mapping = GroupECDH, MappingGeneric
	case familyDHIM:
		p.Group, p.Mapping = GroupDH, MappingIntegrated
	case familyECDHIM:
		p.Group, p.Mapping = GroupECDH, MappingIntegrated
	default:
		return Protocol{}, NewError(KindUnsupportedParameters, "unknown PACE family in %s", oid)
	}
	suite, ok := cipherSuites[oid[len(OIDPACE)+1]]
	if !ok {
		return Protocol{}, NewError(KindUnsupportedParameters, "unknown PACE cipher suite in %s", oid)
	}
	p.Cipher = suite.cipher
	p.KeyLength = suite.keyLength
	return p, nil
}

// ParseProtocolString accepts either dotted OID notation or a TR-03110 name such as
// "id-PACE-ECDH-GM-AES-CBC-CMAC-128".
func ParseProtocolString(s string) (Protocol, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "id-pace-") {
		for family := familyDHGM; family <= familyECDHIM; family++ {
			for suffix := range cipherSuites {
				oid := append(append(asn1.ObjectIdentifier(nil), OIDPACE...), family, suffix)
				p, _ := ParseProtocol(oid)
				if strings.EqualFold(p.Name(), s) {
					return p, nil
				}
			}
		}
		return Protocol{}, NewError(KindUnsupportedParameters, "unknown protocol name '%s'", s)
	}
	oid, err := ParseOID(s)
	if err != nil {
		return Protocol{}, WrapError(KindUnsupportedParameters, err)
	}
	return ParseProtocol(oid)
}

// ParseOID parses dotted decimal notation.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID '%s'", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err != nil || n < 0 || fmt.Sprint(n) != part {
			return nil, fmt.Errorf("invalid OID '%s'", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// Name returns the TR-03110 name of p.
func (p Protocol) Name() string {
	suite := cipherSuites[p.OID[len(p.OID)-1]]
	return fmt.Sprintf("id-PACE-%s-%s-%s", p.Group, p.Mapping, suite.name)
}

func (p Protocol) String() string {
	return fmt.Sprintf("%s (%s)", p.Name(), p.OID)
}

// KeyBytes returns the length of derived symmetric keys in bytes. Two-key 3DES keys are 16 bytes
// long including parity bits.
func (p Protocol) KeyBytes() int {
	if p.Cipher == Cipher3DES {
		return 16
	}
	return p.KeyLength / 8
}

// EncodedOID returns the DER encoding of p.OID including the 0x06 tag and length.
func (p Protocol) EncodedOID() []byte {
	der, err := asn1.Marshal(p.OID)
	if err != nil {
		// Unreachable: p.OID was validated by ParseProtocol.
		panic(err)
	}
	return der
}

// OIDValue returns the content octets of the DER encoding of p.OID, as carried in data object
// 0x80 of MSE:Set AT.
func (p Protocol) OIDValue() []byte {
	return p.EncodedOID()[2:]
}

// Family returns the PACE family OID (id-PACE-DH-GM etc.) that PACEDomainParameterInfo entries
// use.
func (p Protocol) Family() asn1.ObjectIdentifier {
	return p.OID[:len(p.OID)-1]
}
