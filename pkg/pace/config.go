package pace

import (
	"context"
	"io"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// Hook is an instrumentation action run around MSE:Set AT. Hooks run in their own goroutine and
// their outcome never affects the handshake.
type Hook func(ctx context.Context) error

// Config selects the protocol, password and terminal role of a PACE handshake.
type Config struct {
	Protocol protocol.Protocol
	// ParameterID selects standardized domain parameters (0-31). Proprietary IDs require
	// DomainParameters.
	ParameterID int
	// DomainParameters holds proprietary domain parameters announced in EF.CardAccess. When set,
	// it takes precedence over ParameterID.
	DomainParameters *protocol.PACEDomainParameterInfo

	Password protocol.PasswordReference
	Secret   string
	Terminal protocol.TerminalReference

	// BeforeSetAT and AfterSetAT are optional hooks. AfterSetAT only runs once the chip accepted
	// MSE:Set AT.
	BeforeSetAT Hook
	AfterSetAT  Hook

	// Rand supplies ephemeral private keys. Nil selects crypto/rand.
	Rand io.Reader
}

// ConfigFromCardAccess builds a Config from the first PACEInfo of a chip's EF.CardAccess and the
// domain parameters it refers to.
func ConfigFromCardAccess(access *protocol.CardAccess, password protocol.PasswordReference, secret string, terminal protocol.TerminalReference) (Config, error) {
	if len(access.PACE) == 0 {
		return Config{}, protocol.NewError(protocol.KindUnsupportedParameters, "EF.CardAccess doesn't announce PACE")
	}
	info := access.PACE[0]
	config := Config{
		Protocol:    info.Protocol,
		ParameterID: info.ParameterID,
		Password:    password,
		Secret:      secret,
		Terminal:    terminal,
	}
	if d, ok := access.DomainParameterInfo(info.ParameterID); ok && !protocol.IsStandardParameterID(info.ParameterID) {
		config.DomainParameters = &d
	} else if info.ParameterID < 0 && len(access.DomainParameters) > 0 {
		d := access.DomainParameters[0]
		config.DomainParameters = &d
	}
	return config, nil
}

func (c *Config) domainParameters() (authentication.DomainParameters, error) {
	var params authentication.DomainParameters
	var err error
	switch {
	case c.DomainParameters != nil:
		family := c.DomainParameters.Protocol
		if len(family) > 0 && !family.Equal(c.Protocol.Family()) {
			return nil, protocol.NewError(protocol.KindUnsupportedParameters, "domain parameters for %s can't be used with %s", family, c.Protocol.Name())
		}
		params, err = authentication.DomainParametersFromInfo(*c.DomainParameters)
	case protocol.IsStandardParameterID(c.ParameterID):
		params, err = authentication.StandardDomainParameters(c.ParameterID)
	case c.ParameterID < 0:
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "no domain parameters selected")
	default:
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "proprietary parameter ID %d requires explicit domain parameters", c.ParameterID)
	}
	if err != nil {
		return nil, err
	}
	if params.Group() != c.Protocol.Group {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "%s domain parameters can't be used with %s", params.Group(), c.Protocol.Name())
	}
	return params, nil
}

func (c *Config) validate() error {
	if c.Protocol.OID == nil {
		return protocol.NewError(protocol.KindUnsupportedParameters, "no protocol selected")
	}
	if _, err := protocol.ParseProtocol(c.Protocol.OID); err != nil {
		return err
	}
	if !c.Password.Valid() {
		return protocol.NewError(protocol.KindUnsupportedParameters, "invalid password reference %s", c.Password)
	}
	if !c.Terminal.Valid() {
		return protocol.NewError(protocol.KindUnsupportedParameters, "invalid terminal reference %s", c.Terminal)
	}
	return nil
}
