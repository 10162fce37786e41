package sim

import (
	"io"

	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
	"github.com/teslamotors/pace-terminal/pkg/sm"
)

// handshake is the chip side of one PACE run.
type handshake struct {
	password  protocol.PasswordReference
	kpi       []byte
	step      int
	nonce     []byte
	agreement authentication.KeyAgreement

	terminalMapping []byte
	terminalKey     []byte
	chipKey         []byte
	keys            *authentication.SessionKeys
}

const finalStep = 3

func (c *Card) newHandshake(password protocol.PasswordReference, secret string) (*handshake, error) {
	kpi, err := authentication.ProtocolKDF(password.KeyMaterial(secret), authentication.KDFPassword, c.protocol)
	if err != nil {
		return nil, err
	}
	return &handshake{
		password:  password,
		kpi:       kpi,
		agreement: authentication.NewKeyAgreement(c.params, c.rng),
	}, nil
}

// generalAuthenticate handles one round of the handshake. Any error aborts it.
func (c *Card) generalAuthenticate(cmd apdu.Capdu) ([]byte, protocol.StatusWord) {
	h := c.handshake
	if h == nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	chained := cmd.Cla&action.ClassChaining != 0
	if chained != (h.step < finalStep) {
		c.handshake = nil
		return nil, protocol.SWConditionsNotSatisfied
	}
	request, err := pace.ParseDynamicAuthenticationData(cmd.Data)
	if err != nil {
		c.handshake = nil
		return nil, protocol.SWWrongData
	}
	response, sw := c.advance(h, request)
	if sw != protocol.SWSuccess {
		c.handshake = nil
		return nil, sw
	}
	h.step++
	data, err := response.Marshal()
	if err != nil {
		c.handshake = nil
		return nil, protocol.SWConditionsNotSatisfied
	}
	return data, protocol.SWSuccess
}

func (c *Card) advance(h *handshake, request pace.DynamicAuthenticationData) (pace.DynamicAuthenticationData, protocol.StatusWord) {
	switch h.step {
	case 0:
		if len(request) != 0 {
			return nil, protocol.SWWrongData
		}
		return c.encryptedNonce(h)
	case 1:
		terminalMapping, ok := request[pace.TerminalMappingKey]
		if !ok {
			return nil, protocol.SWWrongData
		}
		chipMapping, err := h.agreement.FirstEphemeralKey(h.nonce)
		if err != nil {
			return nil, protocol.SWConditionsNotSatisfied
		}
		h.terminalMapping = terminalMapping
		return pace.DynamicAuthenticationData{pace.ChipMappingKey: chipMapping}, protocol.SWSuccess
	case 2:
		terminalKey, ok := request[pace.TerminalEphemeralKey]
		if !ok {
			return nil, protocol.SWWrongData
		}
		chipKey, err := h.agreement.SecondEphemeralKey(h.terminalMapping)
		if err != nil {
			log.Debug("chip: terminal mapping key rejected: %s", err)
			return nil, protocol.SWWrongData
		}
		secret, err := h.agreement.SharedSecret(terminalKey)
		if err != nil {
			log.Debug("chip: terminal ephemeral key rejected: %s", err)
			return nil, protocol.SWWrongData
		}
		if h.keys, err = authentication.DeriveSessionKeys(secret, c.protocol); err != nil {
			return nil, protocol.SWConditionsNotSatisfied
		}
		h.terminalKey, h.chipKey = terminalKey, chipKey
		return pace.DynamicAuthenticationData{pace.ChipEphemeralKey: chipKey}, protocol.SWSuccess
	case finalStep:
		return c.mutualAuthenticate(h, request)
	}
	return nil, protocol.SWConditionsNotSatisfied
}

func (c *Card) encryptedNonce(h *handshake) (pace.DynamicAuthenticationData, protocol.StatusWord) {
	h.nonce = make([]byte, c.provider.BlockSize())
	if _, err := io.ReadFull(c.random(), h.nonce); err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	encrypted, err := c.provider.Encrypt(h.kpi, make([]byte, c.provider.BlockSize()), h.nonce)
	if err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	return pace.DynamicAuthenticationData{pace.EncryptedNonce: encrypted}, protocol.SWSuccess
}

func (c *Card) mutualAuthenticate(h *handshake, request pace.DynamicAuthenticationData) (pace.DynamicAuthenticationData, protocol.StatusWord) {
	token, ok := request[pace.TerminalToken]
	if !ok {
		return nil, protocol.SWWrongData
	}
	tag := h.agreement.PublicKeyTag()
	valid, err := pace.VerifyToken(c.provider, h.keys.MAC, c.protocol, tag, h.chipKey, token)
	if err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	if !valid {
		log.Debug("chip: terminal token rejected, wrong %s", h.password)
		if h.password == protocol.PasswordPIN {
			if c.pinRetries > 0 {
				c.pinRetries--
			}
			return nil, protocol.SWVerificationFailed | protocol.StatusWord(c.pinRetries)
		}
		return nil, protocol.SWVerificationFailed
	}
	chipToken, err := pace.AuthenticationToken(c.provider, h.keys.MAC, c.protocol, tag, h.terminalKey)
	if err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	responder, err := sm.NewResponder(h.keys)
	if err != nil {
		return nil, protocol.SWConditionsNotSatisfied
	}
	response := pace.DynamicAuthenticationData{pace.ChipToken: chipToken}
	if c.car != nil {
		response[pace.CertificationAuthorityReference] = c.car
	}
	if c.previousCAR != nil {
		response[pace.PreviousAuthorityReference] = c.previousCAR
	}
	c.responder = responder
	c.authenticated = h.password
	c.selected = nil
	if h.password == protocol.PasswordPIN {
		c.pinRetries = MaxPINRetries
	}
	c.handshake = nil
	log.Debug("chip: PACE established with %s", h.password)
	return response, protocol.SWSuccess
}
