package protocol

import (
	"crypto/sha1"
	"encoding/asn1"
	"fmt"
	"strings"
)

// PasswordReference selects the shared secret used for PACE (TR-03110 part 3, table 6).
type PasswordReference byte

const (
	PasswordMRZ PasswordReference = 1
	PasswordCAN PasswordReference = 2
	PasswordPIN PasswordReference = 3
	PasswordPUK PasswordReference = 4
)

var passwordNames = map[PasswordReference]string{
	PasswordMRZ: "mrz",
	PasswordCAN: "can",
	PasswordPIN: "pin",
	PasswordPUK: "puk",
}

func (p PasswordReference) String() string {
	if name, ok := passwordNames[p]; ok {
		return name
	}
	return fmt.Sprintf("password(%d)", byte(p))
}

// Set implements flag.Value.
func (p *PasswordReference) Set(value string) error {
	for ref, name := range passwordNames {
		if strings.EqualFold(value, name) {
			*p = ref
			return nil
		}
	}
	return fmt.Errorf("unknown password type '%s' (expected mrz, can, pin or puk)", value)
}

// KeyMaterial returns the PACE password π for secret. MRZ information is hashed with SHA-1; the
// other password types use the secret's bytes as-is.
func (p PasswordReference) KeyMaterial(secret string) []byte {
	if p == PasswordMRZ {
		digest := sha1.Sum([]byte(secret))
		return digest[:]
	}
	return []byte(secret)
}

// TerminalReference selects the terminal role announced in MSE:Set AT.
type TerminalReference byte

const (
	TerminalUnauthenticated TerminalReference = 0
	TerminalIS              TerminalReference = 1 // Inspection system
	TerminalAT              TerminalReference = 2 // Authentication terminal
	TerminalST              TerminalReference = 3 // Signature terminal
)

var terminalNames = map[TerminalReference]string{
	TerminalUnauthenticated: "none",
	TerminalIS:              "is",
	TerminalAT:              "at",
	TerminalST:              "st",
}

func (t TerminalReference) String() string {
	if name, ok := terminalNames[t]; ok {
		return name
	}
	return fmt.Sprintf("terminal(%d)", byte(t))
}

// Set implements flag.Value.
func (t *TerminalReference) Set(value string) error {
	for ref, name := range terminalNames {
		if strings.EqualFold(value, name) {
			*t = ref
			return nil
		}
	}
	return fmt.Errorf("unknown terminal type '%s' (expected none, is, at or st)", value)
}

var roleOIDs = map[TerminalReference]asn1.ObjectIdentifier{
	TerminalIS: {0, 4, 0, 127, 0, 7, 3, 1, 2, 1},
	TerminalAT: {0, 4, 0, 127, 0, 7, 3, 1, 2, 2},
	TerminalST: {0, 4, 0, 127, 0, 7, 3, 1, 2, 3},
}

// Requested access rights. IS: read DG3 and DG4. AT: every right except the reserved bits.
// ST: generate qualified and non-qualified signatures.
var roleTemplates = map[TerminalReference][]byte{
	TerminalIS: {0x23},
	TerminalAT: {0x3F, 0xFF, 0xFF, 0xFF, 0xF7},
	TerminalST: {0x03},
}

// CHAT returns the role OID and access template of the certificate holder authorization template
// sent with MSE:Set AT. ok is false for TerminalUnauthenticated, which omits the CHAT.
func (t TerminalReference) CHAT() (role asn1.ObjectIdentifier, template []byte, ok bool) {
	role, ok = roleOIDs[t]
	if !ok {
		return nil, nil, false
	}
	return role, roleTemplates[t], true
}

// Valid returns true if t is one of the defined terminal references.
func (t TerminalReference) Valid() bool {
	_, ok := terminalNames[t]
	return ok
}

// Valid returns true if p is one of the defined password references.
func (p PasswordReference) Valid() bool {
	_, ok := passwordNames[p]
	return ok
}
