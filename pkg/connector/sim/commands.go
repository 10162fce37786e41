package sim

import (
	"bytes"
	"errors"

	"github.com/skythen/apdu"
	ber "github.com/status-im/keycard-go/apdu"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/internal/tlv"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

const (
	fileMaster uint16 = 0x3F00

	resetNewSecret = 0x02
	resetUnblock   = 0x03

	minPINLength = 4
	maxPINLength = 12

	tagObjectIdentifier tlv.Tag = 0x06
)

func (c *Card) execute(cmd apdu.Capdu, secure bool) ([]byte, protocol.StatusWord) {
	if cmd.Cla&^action.ClassChaining != action.ClassInterindustry {
		return nil, protocol.SWClassNotSupported
	}
	if cmd.Cla&action.ClassChaining != 0 && cmd.Ins != action.InsGeneralAuthenticate {
		return nil, protocol.SWClassNotSupported
	}
	switch cmd.Ins {
	case action.InsManageSecurityEnvironment:
		return c.setAuthenticationTemplate(cmd)
	case action.InsGeneralAuthenticate:
		return c.generalAuthenticate(cmd)
	case action.InsSelect:
		return c.selectFile(cmd, secure)
	case action.InsReadBinary:
		return c.readBinary(cmd, secure)
	case action.InsResetRetryCounter:
		return c.resetRetryCounter(cmd, secure)
	}
	return nil, protocol.SWInstructionNotSupported
}

func (c *Card) selectFile(cmd apdu.Capdu, secure bool) ([]byte, protocol.StatusWord) {
	switch cmd.P1 {
	case 0x04:
		if !bytes.Equal(cmd.Data, ApplicationEID) {
			return nil, protocol.SWFileNotFound
		}
		c.selected = nil
		return nil, protocol.SWSuccess
	case 0x00, 0x02:
		if len(cmd.Data) != 2 {
			return nil, protocol.SWWrongData
		}
		fid := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		if fid == fileMaster {
			c.selected = nil
			return nil, protocol.SWSuccess
		}
		f := c.findFile(fid)
		if f == nil {
			return nil, protocol.SWFileNotFound
		}
		if f.protected && !secure {
			return nil, protocol.SWSecurityNotSatisfied
		}
		c.selected = f
		return nil, protocol.SWSuccess
	}
	return nil, protocol.SWWrongP1P2
}

func (c *Card) readBinary(cmd apdu.Capdu, secure bool) ([]byte, protocol.StatusWord) {
	f := c.selected
	offset := int(cmd.P1)<<8 | int(cmd.P2)
	if cmd.P1&0x80 != 0 {
		if f = c.findShortFile(cmd.P1 & 0x1F); f == nil {
			return nil, protocol.SWFileNotFound
		}
		offset = int(cmd.P2)
	}
	if f == nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	if f.protected && !secure {
		return nil, protocol.SWSecurityNotSatisfied
	}
	c.selected = f
	if cmd.Ne == 0 {
		return nil, protocol.SWWrongLength
	}
	if offset > len(f.data) {
		return nil, protocol.SWWrongParameters
	}
	end := offset + cmd.Ne
	if end > len(f.data) {
		return append([]byte(nil), f.data[offset:]...), protocol.SWEndOfFile
	}
	return append([]byte(nil), f.data[offset:end]...), protocol.SWSuccess
}

func (c *Card) resetRetryCounter(cmd apdu.Capdu, secure bool) ([]byte, protocol.StatusWord) {
	if !secure {
		return nil, protocol.SWSecurityNotSatisfied
	}
	if protocol.PasswordReference(cmd.P2) != protocol.PasswordPIN {
		return nil, protocol.SWWrongP1P2
	}
	switch cmd.P1 {
	case resetNewSecret:
		if c.authenticated != protocol.PasswordPIN && c.authenticated != protocol.PasswordCAN && c.authenticated != protocol.PasswordPUK {
			return nil, protocol.SWSecurityNotSatisfied
		}
		if len(cmd.Data) < minPINLength || len(cmd.Data) > maxPINLength {
			return nil, protocol.SWWrongData
		}
		c.secrets[protocol.PasswordPIN] = string(cmd.Data)
	case resetUnblock:
		if c.authenticated != protocol.PasswordPUK || len(cmd.Data) != 0 {
			return nil, protocol.SWConditionsNotSatisfied
		}
	default:
		return nil, protocol.SWWrongP1P2
	}
	c.pinRetries = MaxPINRetries
	log.Debug("chip: PIN reset")
	return nil, protocol.SWSuccess
}

// validCHAT reports whether the optional certificate holder authorization template in MSE:Set AT
// data is well formed and names a terminal type.
func validCHAT(data []byte) bool {
	chat, err := ber.FindTag(data, action.TagCHAT.Bytes())
	var notFound *ber.ErrTagNotFound
	switch {
	case errors.As(err, &notFound):
		return true
	case err != nil:
		return false
	}
	if _, err := tlv.Decode(chat); err != nil {
		return false
	}
	_, err = ber.FindTag(chat, tagObjectIdentifier.Bytes())
	return err == nil
}

// setAuthenticationTemplate handles MSE:Set AT, which starts a new PACE handshake.
func (c *Card) setAuthenticationTemplate(cmd apdu.Capdu) ([]byte, protocol.StatusWord) {
	if cmd.P1 != 0xC1 || cmd.P2 != 0xA4 {
		return nil, protocol.SWWrongP1P2
	}
	c.handshake = nil
	if _, err := tlv.Decode(cmd.Data); err != nil {
		return nil, protocol.SWWrongData
	}
	mechanism, err := ber.FindTag(cmd.Data, action.TagCryptographicMechanism.Bytes())
	if err != nil || !bytes.Equal(mechanism, c.protocol.OIDValue()) {
		return nil, protocol.SWWrongData
	}
	reference, err := ber.FindTag(cmd.Data, action.TagPasswordReference.Bytes())
	if err != nil || len(reference) != 1 {
		return nil, protocol.SWWrongData
	}
	password := protocol.PasswordReference(reference[0])
	secret, ok := c.secrets[password]
	if !ok {
		return nil, protocol.SWReferenceNotFound
	}
	if password == protocol.PasswordPIN && c.pinRetries == 0 {
		return nil, protocol.SWAuthMethodBlocked
	}
	if !validCHAT(cmd.Data) {
		return nil, protocol.SWWrongData
	}
	h, err := c.newHandshake(password, secret)
	if err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	c.handshake = h
	return nil, protocol.SWSuccess
}
