// Package card provides a handle on an eID card that runs PACE and routes commands through the
// resulting Secure Messaging channel.
package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skythen/apdu"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/cache"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/metrics"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
	"github.com/teslamotors/pace-terminal/pkg/sm"
)

const (
	// Protected responses to READ BINARY with this Le still fit a short response APDU.
	secureChunkSize = 0xDF
	plainChunkSize  = 0x100
	maxFileOffset   = 0x7FFF
)

var (
	// ErrNoSession indicates an operation that requires a Secure Messaging session.
	ErrNoSession = errors.New("no secure messaging session")
	// ErrNotInCache indicates the session cache has no entry for the card.
	ErrNotInCache = errors.New("card not in cache")
)

// StatusError reports a command that the card answered with an unexpected status word.
type StatusError struct {
	Command string
	SW      protocol.StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned SW %s", e.Command, e.SW)
}

// A Card is an eID card in a reader. A Card is not safe for concurrent use.
type Card struct {
	conn      connector.Connector
	channel   *sm.Channel
	sessionID uuid.UUID
	created   time.Time

	chipKey []byte
}

// New returns a Card that talks over conn. If sessionCache holds a session for the card, the Card
// resumes it. The sessionCache may be nil.
func New(conn connector.Connector, sessionCache *cache.SessionCache) (*Card, error) {
	c := &Card{conn: conn}
	if sessionCache != nil {
		if err := c.LoadCachedSession(sessionCache); err != nil && !errors.Is(err, ErrNotInCache) {
			return nil, err
		}
	}
	return c, nil
}

// Reader returns the name of the reader the card is in.
func (c *Card) Reader() string {
	return c.conn.Reader()
}

// ATR returns the card's answer to reset.
func (c *Card) ATR() []byte {
	return c.conn.ATR()
}

// Secure returns true while commands are protected with Secure Messaging.
func (c *Card) Secure() bool {
	return c.channel != nil
}

// SessionID identifies the current Secure Messaging session. It is the zero UUID without a
// session.
func (c *Card) SessionID() uuid.UUID {
	return c.sessionID
}

// ChipEphemeralKey returns PK_PICC of the most recent handshake.
func (c *Card) ChipEphemeralKey() []byte {
	return c.chipKey
}

// Protocol returns the PACE protocol of the current session.
func (c *Card) Protocol() (protocol.Protocol, bool) {
	if c.channel == nil {
		return protocol.Protocol{}, false
	}
	return c.channel.Protocol(), true
}

func (c *Card) startSession(channel *sm.Channel, created time.Time) {
	c.channel = channel
	c.sessionID = uuid.New()
	c.created = created
}

// EndSession drops the Secure Messaging session. The card ends its side of the session with the
// next unprotected command.
func (c *Card) EndSession() {
	if c.channel != nil {
		log.Debug("Ending session %s", c.sessionID)
	}
	c.channel = nil
	c.sessionID = uuid.Nil
}

// StartPACE runs PACE with config and protects all later commands with the resulting session.
// Any previous session is dropped first.
func (c *Card) StartPACE(ctx context.Context, config pace.Config) error {
	c.EndSession()
	operator, err := pace.NewOperator(c.conn, config)
	if err != nil {
		metrics.RecordError(err)
		return err
	}
	start := time.Now()
	channel, err := operator.Establish(ctx)
	metrics.RecordHandshake(err, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	c.chipKey = operator.ChipEphemeralKey()
	c.startSession(channel, start)
	log.Info("Started session %s with %s", c.sessionID, c.conn.Reader())
	return nil
}

// Send transmits a raw command APDU and returns the raw response, including the status word. Once
// a session exists, the command is wrapped and the response unwrapped transparently. An integrity
// failure ends the session.
func (c *Card) Send(ctx context.Context, command []byte) ([]byte, error) {
	if c.channel == nil {
		metrics.RecordAPDU(false)
		response, err := connector.Exchange(ctx, c.conn, command)
		metrics.RecordError(err)
		return response, err
	}
	metrics.RecordAPDU(true)
	wrapped, err := c.channel.Wrap(command)
	if err != nil {
		metrics.RecordError(err)
		return nil, err
	}
	response, err := connector.Exchange(ctx, c.conn, wrapped)
	if err != nil {
		// The chip may or may not have seen the command, so the counters can't be trusted.
		c.EndSession()
		metrics.RecordError(err)
		return nil, err
	}
	plain, err := c.channel.Unwrap(response)
	if err != nil {
		if c.channel.Broken() {
			c.EndSession()
		}
		metrics.RecordError(err)
		return nil, err
	}
	log.Debug("[%s] plain response %X", c.sessionID, plain)
	return plain, nil
}

// Execute encodes cmd, sends it and decodes the response.
func (c *Card) Execute(ctx context.Context, cmd apdu.Capdu) (apdu.Rapdu, error) {
	command, err := action.Encode(cmd)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	log.Debug("Sending %s", action.Describe(cmd))
	response, err := c.Send(ctx, command)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	return action.ParseResponse(response)
}

func (c *Card) expect(ctx context.Context, name string, cmd apdu.Capdu) error {
	r, err := c.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if !r.IsSuccess() {
		return &StatusError{Command: name, SW: action.Status(r)}
	}
	return nil
}

// SelectApplication selects the dedicated file with the given AID.
func (c *Card) SelectApplication(ctx context.Context, aid []byte) error {
	return c.expect(ctx, "SELECT application", action.SelectApplication(aid))
}

// SelectFile selects an elementary file.
func (c *Card) SelectFile(ctx context.Context, fid uint16) error {
	return c.expect(ctx, fmt.Sprintf("SELECT %04X", fid), action.SelectFile(fid))
}

func (c *Card) chunkSize() int {
	if c.channel != nil {
		return secureChunkSize
	}
	return plainChunkSize
}

// ReadFile reads the selected elementary file to its end.
func (c *Card) ReadFile(ctx context.Context) ([]byte, error) {
	return c.readFrom(ctx, nil, 0)
}

func (c *Card) readFrom(ctx context.Context, content []byte, offset int) ([]byte, error) {
	chunk := c.chunkSize()
	for offset <= maxFileOffset {
		cmd, err := action.ReadBinary(uint16(offset), chunk)
		if err != nil {
			return nil, err
		}
		r, err := c.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		switch sw := action.Status(r); {
		case sw == protocol.SWSuccess:
		case sw == protocol.SWEndOfFile:
			return append(content, r.Data...), nil
		case sw == protocol.SWWrongParameters && offset > 0:
			// The previous chunk ended exactly at the end of the file.
			return content, nil
		default:
			return nil, &StatusError{Command: fmt.Sprintf("READ BINARY at %d", offset), SW: sw}
		}
		content = append(content, r.Data...)
		if len(r.Data) < chunk {
			return content, nil
		}
		offset += len(r.Data)
	}
	return content, nil
}

// ReadShortFile selects the file with short identifier sfi and reads it to its end.
func (c *Card) ReadShortFile(ctx context.Context, sfi byte) ([]byte, error) {
	chunk := c.chunkSize()
	cmd, err := action.ReadBinarySFI(sfi, 0, chunk)
	if err != nil {
		return nil, err
	}
	r, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch sw := action.Status(r); sw {
	case protocol.SWSuccess:
	case protocol.SWEndOfFile:
		return r.Data, nil
	default:
		return nil, &StatusError{Command: fmt.Sprintf("READ BINARY SFI %02X", sfi), SW: sw}
	}
	if len(r.Data) < chunk {
		return r.Data, nil
	}
	return c.readFrom(ctx, r.Data, len(r.Data))
}

// ReadCardAccess reads and decodes EF.CardAccess. It works with and without a session.
func (c *Card) ReadCardAccess(ctx context.Context) (*protocol.CardAccess, error) {
	data, err := c.ReadShortFile(ctx, protocol.ShortFileCardAccess)
	if err != nil {
		return nil, err
	}
	return protocol.ParseCardAccess(data)
}

// ChangePIN sets a new PIN. It requires a session established with the PIN, CAN or PUK.
func (c *Card) ChangePIN(ctx context.Context, pin string) error {
	if c.channel == nil {
		return ErrNoSession
	}
	return c.expect(ctx, "RESET RETRY COUNTER", action.ResetRetryCounter(protocol.PasswordPIN, []byte(pin)))
}

// UnblockPIN resets the PIN retry counter. It requires a session established with the PUK.
func (c *Card) UnblockPIN(ctx context.Context) error {
	if c.channel == nil {
		return ErrNoSession
	}
	return c.expect(ctx, "RESET RETRY COUNTER", action.UnblockPassword(protocol.PasswordPIN))
}

// UpdateCachedSession stores the current session in sessionCache.
func (c *Card) UpdateCachedSession(sessionCache *cache.SessionCache) error {
	if c.channel == nil {
		return ErrNoSession
	}
	bundle, err := c.channel.Export()
	if err != nil {
		return err
	}
	sessionCache.Update(cache.Key(c.conn.Reader(), c.conn.ATR()), cache.Entry{
		ID:        c.sessionID.String(),
		CreatedAt: c.created,
		Bundle:    bundle,
	})
	return nil
}

// LoadCachedSession resumes the session stored in sessionCache for this card.
func (c *Card) LoadCachedSession(sessionCache *cache.SessionCache) error {
	entry, ok := sessionCache.GetEntry(cache.Key(c.conn.Reader(), c.conn.ATR()))
	if !ok {
		return ErrNotInCache
	}
	channel, err := sm.Resume(entry.Bundle)
	if err != nil {
		return err
	}
	c.startSession(channel, entry.CreatedAt)
	if id, err := uuid.Parse(entry.ID); err == nil {
		c.sessionID = id
	}
	log.Debug("Resumed session %s", c.sessionID)
	return nil
}

// Close ends the session and disconnects the card.
func (c *Card) Close() {
	c.EndSession()
	c.conn.Close()
}
