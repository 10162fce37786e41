package action

import (
	"bytes"
	"encoding/asn1"

	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Instruction bytes.
const (
	InsManageSecurityEnvironment byte = 0x22
	InsResetRetryCounter         byte = 0x2C
	InsGeneralAuthenticate       byte = 0x86
	InsSelect                    byte = 0xA4
	InsReadBinary                byte = 0xB0
)

// Class bytes.
const (
	ClassInterindustry byte = 0x00
	// ClassChaining marks a command that is not the last one of a chain.
	ClassChaining byte = 0x10
)

// Data object tags of MSE:Set AT.
const (
	TagCryptographicMechanism tlv.Tag = 0x80
	TagPasswordReference      tlv.Tag = 0x83
	TagCHAT                   tlv.Tag = 0x7F4C
	TagDiscretionaryData      tlv.Tag = 0x53
	TagDynamicAuthentication  tlv.Tag = 0x7C
)

const (
	resetNewSecret = 0x02 // P1: change reference data
	resetUnblock   = 0x03 // P1: reset the retry counter only
)

const (
	setATPACE = 0xC1 // P1: set for computation, decipherment, internal and mutual authentication
	setATAuth = 0xA4 // P2: authentication template
)

// SetAuthenticationTemplate returns MSE:Set AT selecting PACE with protocol p and the given
// password. A certificate holder authorization template is added for every terminal type except
// TerminalUnauthenticated.
func SetAuthenticationTemplate(p protocol.Protocol, password protocol.PasswordReference, terminal protocol.TerminalReference) apdu.Capdu {
	var data bytes.Buffer
	// Every value below is a few bytes long, so Write can't fail.
	_ = tlv.Write(&data, TagCryptographicMechanism, p.OIDValue())
	_ = tlv.Write(&data, TagPasswordReference, []byte{byte(password)})
	if role, template, ok := terminal.CHAT(); ok {
		oid, err := asn1.Marshal(role)
		if err != nil {
			// Role OIDs are constants.
			panic(err)
		}
		chat := bytes.NewBuffer(oid)
		_ = tlv.Write(chat, TagDiscretionaryData, template)
		_ = tlv.Write(&data, TagCHAT, chat.Bytes())
	}
	return apdu.Capdu{
		Cla:  ClassInterindustry,
		Ins:  InsManageSecurityEnvironment,
		P1:   setATPACE,
		P2:   setATAuth,
		Data: data.Bytes(),
	}
}

// GeneralAuthenticate returns a General Authenticate command carrying dynamic authentication
// data. Every PACE round except the last sets chained. The data must already be wrapped in the 7C
// template.
func GeneralAuthenticate(chained bool, dynamicData []byte) apdu.Capdu {
	cla := ClassInterindustry
	if chained {
		cla = ClassChaining
	}
	return apdu.Capdu{
		Cla:  cla,
		Ins:  InsGeneralAuthenticate,
		Data: append([]byte(nil), dynamicData...),
		Ne:   apdu.MaxLenResponseDataStandard,
	}
}

// ResetRetryCounter returns RESET RETRY COUNTER setting new reference data for password. The card
// only accepts it through Secure Messaging.
func ResetRetryCounter(password protocol.PasswordReference, newSecret []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  ClassInterindustry,
		Ins:  InsResetRetryCounter,
		P1:   resetNewSecret,
		P2:   byte(password),
		Data: append([]byte(nil), newSecret...),
	}
}

// UnblockPassword returns RESET RETRY COUNTER restoring the retry counter of password without
// changing it. Chips require a preceding PACE run with the PUK.
func UnblockPassword(password protocol.PasswordReference) apdu.Capdu {
	return apdu.Capdu{
		Cla: ClassInterindustry,
		Ins: InsResetRetryCounter,
		P1:  resetUnblock,
		P2:  byte(password),
	}
}
