package pace

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
	"github.com/teslamotors/pace-terminal/pkg/sm"
)

// State is a step of the handshake.
type State int

const (
	StateInit State = iota
	StateSetAuthenticationTemplate
	StateGetNonce
	StateMapNonce
	StateKeyAgreement
	StateDeriveKeys
	StateMutualAuthenticate
	StateVerify
	StateEstablished
	StateFailed
)

var stateNames = []string{
	"init",
	"set authentication template",
	"get nonce",
	"map nonce",
	"key agreement",
	"derive keys",
	"mutual authenticate",
	"verify",
	"established",
	"failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var authenticateStatus = []protocol.StatusWord{protocol.SWSuccess, protocol.SWEndOfFile}

// Operator runs PACE as the terminal. An Operator is not safe for concurrent use, and the
// transport must not be used by anyone else while Establish runs.
type Operator struct {
	transport connector.Transport
	config    Config
	params    authentication.DomainParameters
	provider  authentication.Provider

	state    State
	chipKey  []byte
	car      []byte
	previous []byte
}

// NewOperator validates config and returns an Operator that talks to the chip over t. Unsupported
// protocols and domain parameters are reported here, before any command is sent.
func NewOperator(t connector.Transport, config Config) (*Operator, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	params, err := config.domainParameters()
	if err != nil {
		return nil, err
	}
	provider, err := authentication.NewProvider(config.Protocol.Cipher)
	if err != nil {
		return nil, err
	}
	return &Operator{
		transport: t,
		config:    config,
		params:    params,
		provider:  provider,
	}, nil
}

// State returns the step the last call to Establish reached.
func (o *Operator) State() State {
	return o.state
}

// ChipEphemeralKey returns the chip's ephemeral public key PK_PICC (Y2) after a successful
// handshake. Terminal Authentication signs it.
func (o *Operator) ChipEphemeralKey() []byte {
	return o.chipKey
}

// CertificationAuthorityReferences returns the most recent and the previous CVCA reference sent
// by the chip with its token. Either may be nil.
func (o *Operator) CertificationAuthorityReferences() (current, previous []byte) {
	return o.car, o.previous
}

// Parameters returns the domain parameters used for key agreement.
func (o *Operator) Parameters() authentication.DomainParameters {
	return o.params
}

func (o *Operator) enter(s State) {
	o.state = s
	log.Debug("PACE: %s", s)
}

// Establish runs the handshake and returns a Secure Messaging channel keyed with the agreed
// session keys.
func (o *Operator) Establish(ctx context.Context) (*sm.Channel, error) {
	o.chipKey, o.car, o.previous = nil, nil, nil
	channel, err := o.establish(ctx)
	if err != nil {
		o.state = StateFailed
		log.Debug("PACE failed: %s", err)
		return nil, err
	}
	return channel, nil
}

func (o *Operator) establish(ctx context.Context) (*sm.Channel, error) {
	p := o.config.Protocol
	o.enter(StateInit)
	kpi, err := authentication.ProtocolKDF(o.config.Password.KeyMaterial(o.config.Secret), authentication.KDFPassword, p)
	if err != nil {
		return nil, err
	}

	o.enter(StateSetAuthenticationTemplate)
	runHook(ctx, "before MSE:Set AT", o.config.BeforeSetAT)
	setAT := action.SetAuthenticationTemplate(p, o.config.Password, o.config.Terminal)
	if _, err := o.transmit(ctx, "MSE:Set AT", setAT, protocol.SWSuccess); err != nil {
		return nil, err
	}
	runHook(ctx, "after MSE:Set AT", o.config.AfterSetAT)

	o.enter(StateGetNonce)
	response, err := o.authenticate(ctx, true, DynamicAuthenticationData{}, EncryptedNonce, protocol.KindHandshakeFailure)
	if err != nil {
		return nil, err
	}
	nonce, err := o.decryptNonce(kpi, response[EncryptedNonce])
	if err != nil {
		return nil, err
	}

	o.enter(StateMapNonce)
	agreement := authentication.NewKeyAgreement(o.params, o.config.Rand)
	terminalMapping, err := agreement.FirstEphemeralKey(nonce)
	if err != nil {
		return nil, err
	}
	request := DynamicAuthenticationData{TerminalMappingKey: terminalMapping}
	if response, err = o.authenticate(ctx, true, request, ChipMappingKey, protocol.KindInvalidGroupElement); err != nil {
		return nil, err
	}

	o.enter(StateKeyAgreement)
	terminalKey, err := agreement.SecondEphemeralKey(response[ChipMappingKey])
	if err != nil {
		return nil, err
	}
	request = DynamicAuthenticationData{TerminalEphemeralKey: terminalKey}
	if response, err = o.authenticate(ctx, true, request, ChipEphemeralKey, protocol.KindInvalidGroupElement); err != nil {
		return nil, err
	}
	chipKey := response[ChipEphemeralKey]

	o.enter(StateDeriveKeys)
	secret, err := agreement.SharedSecret(chipKey)
	if err != nil {
		return nil, err
	}
	keys, err := authentication.DeriveSessionKeys(secret, p)
	if err != nil {
		return nil, err
	}

	o.enter(StateMutualAuthenticate)
	tag := agreement.PublicKeyTag()
	token, err := AuthenticationToken(o.provider, keys.MAC, p, tag, chipKey)
	if err != nil {
		return nil, err
	}
	request = DynamicAuthenticationData{TerminalToken: token}
	if response, err = o.authenticate(ctx, false, request, ChipToken, protocol.KindAuthenticationTokenMismatch); err != nil {
		return nil, err
	}

	o.enter(StateVerify)
	ok, err := VerifyToken(o.provider, keys.MAC, p, tag, terminalKey, response[ChipToken])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewError(protocol.KindAuthenticationTokenMismatch, "chip token %X doesn't verify", response[ChipToken])
	}

	channel, err := sm.NewChannel(keys)
	if err != nil {
		return nil, err
	}
	o.chipKey = append([]byte(nil), chipKey...)
	o.car = response[CertificationAuthorityReference]
	o.previous = response[PreviousAuthorityReference]
	if o.car != nil {
		log.Info("Chip trusts CVCA %s", printable(o.car))
	}
	if o.previous != nil {
		log.Info("Chip also trusts previous CVCA %s", printable(o.previous))
	}
	o.enter(StateEstablished)
	log.Info("PACE established with %s using %s", p.Name(), o.params)
	return channel, nil
}

func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("%X", b)
		}
	}
	return string(b)
}

func (o *Operator) decryptNonce(kpi, encrypted []byte) ([]byte, error) {
	if len(encrypted) == 0 || len(encrypted)%o.provider.BlockSize() != 0 {
		return nil, protocol.NewError(protocol.KindHandshakeFailure, "encrypted nonce has invalid length %d", len(encrypted))
	}
	iv := make([]byte, o.provider.BlockSize())
	nonce, err := o.provider.Decrypt(kpi, iv, encrypted)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindHandshakeFailure, errors.Wrap(err, "decrypt nonce"))
	}
	return nonce, nil
}

// authenticate sends one General Authenticate round and returns the chip's data objects. A
// response that lacks data object expected is reported with kind malformed.
func (o *Operator) authenticate(ctx context.Context, chained bool, request DynamicAuthenticationData, expected int, malformed protocol.Kind) (DynamicAuthenticationData, error) {
	payload, err := request.Marshal()
	if err != nil {
		return nil, err
	}
	step := fmt.Sprintf("General Authenticate (%s)", o.state)
	data, err := o.transmit(ctx, step, action.GeneralAuthenticate(chained, payload), authenticateStatus...)
	if err != nil {
		return nil, err
	}
	response, err := ParseDynamicAuthenticationData(data)
	if err != nil {
		return nil, protocol.WrapError(malformed, errors.Wrap(err, step))
	}
	if _, ok := response[expected]; !ok {
		return nil, protocol.NewError(malformed, "%s response lacks data object %02X", step, 0x80|expected)
	}
	return response, nil
}

func (o *Operator) transmit(ctx context.Context, step string, c apdu.Capdu, accepted ...protocol.StatusWord) ([]byte, error) {
	command, err := action.Encode(c)
	if err != nil {
		return nil, err
	}
	response, err := connector.Exchange(ctx, o.transport, command)
	if err != nil {
		return nil, err
	}
	data, sw, err := connector.SplitResponse(response)
	if err != nil {
		return nil, err
	}
	for _, ok := range accepted {
		if sw == ok {
			return data, nil
		}
	}
	return nil, protocol.NewStatusError(step, sw)
}
