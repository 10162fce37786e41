// Package pcsc implements connector.Connector on top of the PC/SC smart card API.
package pcsc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/teslamotors/pace-terminal/internal/log"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

// pollInterval bounds each GetStatusChange call so that WaitForCard notices cancellation.
const pollInterval = 500 * time.Millisecond

// Connection is a card connection through a PC/SC reader.
type Connection struct {
	lock    sync.Mutex
	context *scard.Context
	card    *scard.Card
	reader  string
	atr     []byte
}

var _ connector.Connector = (*Connection)(nil)

func transportError(format string, a ...interface{}) error {
	return protocol.NewError(protocol.KindTransportFailure, format, a...)
}

// ListReaders returns the names of the readers known to the PC/SC service.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, transportError("establish PC/SC context: %w", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, transportError("list readers: %w", err)
	}
	return readers, nil
}

// SelectReader picks a reader by index or by case-insensitive name fragment. An empty selector
// picks the first reader.
func SelectReader(readers []string, selector string) (string, error) {
	if len(readers) == 0 {
		return "", transportError("no readers found")
	}
	if selector == "" {
		return readers[0], nil
	}
	if index, err := strconv.Atoi(selector); err == nil {
		if index < 0 || index >= len(readers) {
			return "", transportError("reader index %d out of range (0..%d)", index, len(readers)-1)
		}
		return readers[index], nil
	}
	var match string
	for _, reader := range readers {
		if strings.Contains(strings.ToLower(reader), strings.ToLower(selector)) {
			if match != "" {
				return "", transportError("reader name '%s' is ambiguous", selector)
			}
			match = reader
		}
	}
	if match == "" {
		return "", transportError("no reader matches '%s'", selector)
	}
	return match, nil
}

// Open connects to the card in the reader chosen by selector (see SelectReader). If wait is
// true, Open blocks until a card is present or ctx is done.
func Open(ctx context.Context, selector string, wait bool) (*Connection, error) {
	sc, err := scard.EstablishContext()
	if err != nil {
		return nil, transportError("establish PC/SC context: %w", err)
	}
	readers, err := sc.ListReaders()
	if err != nil {
		sc.Release()
		return nil, transportError("list readers: %w", err)
	}
	reader, err := SelectReader(readers, selector)
	if err != nil {
		sc.Release()
		return nil, err
	}
	if wait {
		if err = waitForCard(ctx, sc, reader); err != nil {
			sc.Release()
			return nil, err
		}
	}
	card, err := sc.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		sc.Release()
		return nil, transportError("connect to %s: %w", reader, err)
	}
	conn := &Connection{context: sc, card: card, reader: reader}
	if status, err := card.Status(); err == nil {
		conn.atr = status.Atr
	}
	log.Info("Connected to card in reader %s", reader)
	return conn, nil
}

func waitForCard(ctx context.Context, sc *scard.Context, reader string) error {
	states := []scard.ReaderState{{
		Reader:       reader,
		CurrentState: scard.StateUnaware,
	}}
	log.Info("Waiting for a card in %s", reader)
	for {
		if err := ctx.Err(); err != nil {
			return transportError("waiting for card: %w", err)
		}
		if err := sc.GetStatusChange(states, pollInterval); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			return transportError("reader status: %w", err)
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState
	}
}

// Transmit implements connector.Transport. The PC/SC call can't be interrupted, so ctx is only
// checked before the command is sent.
func (c *Connection) Transmit(ctx context.Context, command []byte) ([]byte, protocol.StatusWord, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, transportError("transmit: %w", err)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.card == nil {
		return nil, 0, protocol.WrapError(protocol.KindTransportFailure, connector.ErrClosed)
	}
	response, err := c.card.Transmit(command)
	if err != nil {
		return nil, 0, transportError("transmit: %w", err)
	}
	return connector.SplitResponse(response)
}

// Reader returns the name of the reader.
func (c *Connection) Reader() string {
	return c.reader
}

// ATR returns the answer to reset reported when the connection was opened.
func (c *Connection) ATR() []byte {
	return c.atr
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
		c.card = nil
	}
	if c.context != nil {
		_ = c.context.Release()
		c.context = nil
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("PC/SC reader %s", c.reader)
}
