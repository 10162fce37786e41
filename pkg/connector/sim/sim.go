// Package sim implements an in-memory chip that answers PACE and Secure Messaging like an
// electronic identity document. It implements connector.Connector and is used by tests and by the
// command line tool's -simulate mode.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
	"github.com/teslamotors/pace-terminal/pkg/sm"
)

// Default secrets of a new Card.
const (
	DefaultPIN = "123456"
	DefaultCAN = "661565"
	DefaultPUK = "9876543210"
	// DefaultMRZ is the MRZ information of the ICAO 9303 test document.
	DefaultMRZ = "T22000129364081251010318"
	// DefaultParameterID selects brainpoolP256r1.
	DefaultParameterID = 13
	// MaxPINRetries is the retry counter of a fresh PIN.
	MaxPINRetries = 3
)

// DefaultProtocolName is the protocol a new Card announces.
const DefaultProtocolName = "id-PACE-ECDH-GM-AES-CBC-CMAC-128"

// ApplicationEID is the AID of the eID application.
var ApplicationEID = []byte{0xE8, 0x07, 0x04, 0x00, 0x7F, 0x00, 0x07, 0x03, 0x02}

// ATR is the answer to reset reported by every simulated card.
var ATR = []byte{0x3B, 0x8A, 0x80, 0x01, 0x80, 0x31, 0xF8, 0x73, 0xF7, 0x41, 0xE0, 0x82, 0x90, 0x00, 0x75}

const readerName = "Simulated PACE chip"

type file struct {
	fid       uint16
	sfi       byte
	data      []byte
	protected bool
}

// Card is a simulated chip. It is safe for concurrent use, although commands are processed one at
// a time.
type Card struct {
	lock sync.Mutex

	protocol    protocol.Protocol
	parameterID int
	domainInfo  *protocol.PACEDomainParameterInfo
	params      authentication.DomainParameters
	provider    authentication.Provider
	rng         io.Reader
	car         []byte
	previousCAR []byte

	secrets    map[protocol.PasswordReference]string
	pinRetries int
	files      []*file

	handshake     *handshake
	responder     *sm.Responder
	authenticated protocol.PasswordReference
	selected      *file
	closed        bool
}

var _ connector.Connector = (*Card)(nil)

// Option configures a Card.
type Option func(*Card) error

// WithProtocol makes the card announce and accept p with standardized domain parameters
// parameterID.
func WithProtocol(p protocol.Protocol, parameterID int) Option {
	return func(c *Card) error {
		params, err := authentication.StandardDomainParameters(parameterID)
		if err != nil {
			return err
		}
		c.protocol, c.parameterID, c.params, c.domainInfo = p, parameterID, params, nil
		return nil
	}
}

// WithDomainParameters makes the card announce p with proprietary domain parameters under
// parameterID, which should be 32 or greater.
func WithDomainParameters(p protocol.Protocol, params authentication.DomainParameters, parameterID int) Option {
	return func(c *Card) error {
		info := &protocol.PACEDomainParameterInfo{
			Protocol:       p.Family(),
			StandardizedID: -1,
			ParameterID:    parameterID,
		}
		switch d := params.(type) {
		case *authentication.ECParameters:
			info.EC = d.ECDomainParameters()
		case *authentication.DHParameters:
			info.DH = d.DHDomainParameters()
		default:
			return protocol.NewError(protocol.KindUnsupportedParameters, "unsupported domain parameters %s", params)
		}
		c.protocol, c.parameterID, c.params, c.domainInfo = p, parameterID, params, info
		return nil
	}
}

// WithSecret sets the secret for a password reference.
func WithSecret(ref protocol.PasswordReference, secret string) Option {
	return func(c *Card) error {
		c.secrets[ref] = secret
		return nil
	}
}

// WithFile adds or replaces an elementary file. Protected files can only be read through Secure
// Messaging. A zero sfi means the file has no short identifier.
func WithFile(fid uint16, sfi byte, data []byte, protected bool) Option {
	return func(c *Card) error {
		c.addFile(&file{fid: fid, sfi: sfi, data: append([]byte(nil), data...), protected: protected})
		return nil
	}
}

// WithRand sets the source of nonces and ephemeral keys.
func WithRand(rng io.Reader) Option {
	return func(c *Card) error {
		c.rng = rng
		return nil
	}
}

// WithCertificationAuthorities makes the card return CVCA references with its authentication
// token.
func WithCertificationAuthorities(current, previous []byte) Option {
	return func(c *Card) error {
		c.car, c.previousCAR = current, previous
		return nil
	}
}

// New returns a Card with the default protocol, secrets and EF.CardAccess.
func New(options ...Option) (*Card, error) {
	c := &Card{
		secrets: map[protocol.PasswordReference]string{
			protocol.PasswordMRZ: DefaultMRZ,
			protocol.PasswordCAN: DefaultCAN,
			protocol.PasswordPIN: DefaultPIN,
			protocol.PasswordPUK: DefaultPUK,
		},
		pinRetries: MaxPINRetries,
	}
	p, err := protocol.ParseProtocolString(DefaultProtocolName)
	if err != nil {
		return nil, err
	}
	if err = WithProtocol(p, DefaultParameterID)(c); err != nil {
		return nil, err
	}
	for _, option := range options {
		if err = option(c); err != nil {
			return nil, err
		}
	}
	if c.provider, err = authentication.NewProvider(c.protocol.Cipher); err != nil {
		return nil, err
	}
	if c.params.Group() != c.protocol.Group {
		return nil, protocol.NewError(protocol.KindUnsupportedParameters, "%s domain parameters can't be used with %s", c.params.Group(), c.protocol.Name())
	}
	if c.findFile(protocol.FileCardAccess) == nil {
		access, err := c.CardAccess().Marshal()
		if err != nil {
			return nil, err
		}
		c.addFile(&file{fid: protocol.FileCardAccess, sfi: protocol.ShortFileCardAccess, data: access})
	}
	return c, nil
}

// CardAccess returns the security infos the card announces.
func (c *Card) CardAccess() *protocol.CardAccess {
	access := &protocol.CardAccess{
		PACE: []protocol.PACEInfo{{Protocol: c.protocol, Version: 2, ParameterID: c.parameterID}},
	}
	if c.domainInfo != nil {
		access.DomainParameters = []protocol.PACEDomainParameterInfo{*c.domainInfo}
	}
	return access
}

func (c *Card) addFile(f *file) {
	for i, existing := range c.files {
		if existing.fid == f.fid {
			c.files[i] = f
			return
		}
	}
	c.files = append(c.files, f)
}

func (c *Card) findFile(fid uint16) *file {
	for _, f := range c.files {
		if f.fid == fid {
			return f
		}
	}
	return nil
}

func (c *Card) findShortFile(sfi byte) *file {
	for _, f := range c.files {
		if f.sfi != 0 && f.sfi == sfi {
			return f
		}
	}
	return nil
}

// Secret returns the current secret for ref.
func (c *Card) Secret(ref protocol.PasswordReference) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.secrets[ref]
}

// PINRetries returns the PIN retry counter.
func (c *Card) PINRetries() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pinRetries
}

// Secure returns true while a Secure Messaging session is active.
func (c *Card) Secure() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.responder != nil
}

// Reader implements connector.Connector.
func (c *Card) Reader() string {
	return readerName
}

// ATR implements connector.Connector.
func (c *Card) ATR() []byte {
	return ATR
}

// Close implements connector.Connector.
func (c *Card) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	c.endSession()
}

// Transmit implements connector.Transport.
func (c *Card) Transmit(ctx context.Context, command []byte) ([]byte, protocol.StatusWord, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, protocol.WrapError(protocol.KindTransportFailure, err)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, 0, protocol.WrapError(protocol.KindTransportFailure, connector.ErrClosed)
	}
	data, sw := c.process(command)
	log.Debug("chip: %s -> %d bytes, %s", hex.EncodeToString(command), len(data), sw)
	return data, sw, nil
}

func (c *Card) random() io.Reader {
	if c.rng == nil {
		return rand.Reader
	}
	return c.rng
}

func (c *Card) endSession() {
	c.responder = nil
	c.handshake = nil
	c.authenticated = 0
}

func (c *Card) process(raw []byte) ([]byte, protocol.StatusWord) {
	if len(raw) > 0 && raw[0]&sm.ClassSM == sm.ClassSM {
		return c.processProtected(raw)
	}
	cmd, err := action.ParseCommand(raw)
	if err != nil {
		return nil, protocol.SWWrongLength
	}
	// An unprotected command ends the Secure Messaging session.
	if c.responder != nil {
		log.Debug("chip: unprotected command ends the secure messaging session")
		c.endSession()
	}
	return c.execute(cmd, false)
}

func (c *Card) processProtected(raw []byte) ([]byte, protocol.StatusWord) {
	if c.responder == nil {
		return nil, protocol.SWSMNotSupported
	}
	cmd, err := c.responder.UnwrapCommand(raw)
	if err != nil {
		log.Debug("chip: rejecting protected command: %s", err)
		c.endSession()
		return nil, protocol.SWSMDataIncorrect
	}
	// The response is protected with the keys the command arrived under, even when the command
	// completed a new handshake.
	responder := c.responder
	data, sw := c.execute(cmd, true)
	wrapped, err := responder.WrapResponse(data, sw)
	if err != nil {
		c.endSession()
		return nil, protocol.SWSMDataIncorrect
	}
	out, sw, err := connector.SplitResponse(wrapped)
	if err != nil {
		c.endSession()
		return nil, protocol.SWSMDataIncorrect
	}
	return out, sw
}
