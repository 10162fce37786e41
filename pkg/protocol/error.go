package protocol

import (
	"errors"
	"fmt"
)

// Kind categorizes a CardError. Every kind is fatal to the operation that raised it; this
// package never retries.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransportFailure indicates the reader or card could not be reached, or the link failed.
	KindTransportFailure
	// KindHandshakeFailure indicates the chip answered a handshake step with an unexpected status
	// word.
	KindHandshakeFailure
	// KindInvalidGroupElement indicates a peer-supplied public value is not an element of the
	// negotiated group.
	KindInvalidGroupElement
	// KindAuthenticationTokenMismatch indicates the chip's authentication token did not verify.
	// Either the password or domain parameters are wrong, or the chip is not trusted.
	KindAuthenticationTokenMismatch
	// KindIntegrityFailure indicates a Secure Messaging response failed MAC verification. The
	// channel is no longer usable.
	KindIntegrityFailure
	// KindUnsupportedParameters indicates the protocol identifier or domain parameters are not
	// supported. It is always reported before any APDU is sent.
	KindUnsupportedParameters
)

var kindNames = map[Kind]string{
	KindUnknown:                     "unknown failure",
	KindTransportFailure:            "transport failure",
	KindHandshakeFailure:            "handshake failure",
	KindInvalidGroupElement:         "invalid group element",
	KindAuthenticationTokenMismatch: "authentication token mismatch",
	KindIntegrityFailure:            "integrity failure",
	KindUnsupportedParameters:       "unsupported parameters",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// CardError is the error type returned by the PACE and Secure Messaging layers.
type CardError struct {
	Kind Kind
	// SW is the offending status word of a KindHandshakeFailure. Zero otherwise.
	SW  StatusWord
	Err error
}

// Sentinel values for use with errors.Is. A CardError matches the sentinel of its Kind.
var (
	ErrTransportFailure            = &CardError{Kind: KindTransportFailure}
	ErrHandshakeFailure            = &CardError{Kind: KindHandshakeFailure}
	ErrInvalidGroupElement         = &CardError{Kind: KindInvalidGroupElement}
	ErrAuthenticationTokenMismatch = &CardError{Kind: KindAuthenticationTokenMismatch}
	ErrIntegrityFailure            = &CardError{Kind: KindIntegrityFailure}
	ErrUnsupportedParameters       = &CardError{Kind: KindUnsupportedParameters}
)

// NewError returns a CardError of the given kind.
func NewError(kind Kind, format string, a ...interface{}) error {
	return &CardError{Kind: kind, Err: fmt.Errorf(format, a...)}
}

// WrapError attaches kind to err. If err is nil, WrapError returns nil.
func WrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &CardError{Kind: kind, Err: err}
}

// NewStatusError returns a KindHandshakeFailure for a step that was answered with sw.
func NewStatusError(step string, sw StatusWord) error {
	return &CardError{Kind: KindHandshakeFailure, SW: sw, Err: fmt.Errorf("%s returned SW %s", step, sw)}
}

func (e *CardError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *CardError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *CardError) Is(target error) bool {
	t, ok := target.(*CardError)
	if !ok {
		return false
	}
	return t.Err == nil && t.SW == 0 && t.Kind == e.Kind
}

// KindOf returns the Kind of the first CardError in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var cardErr *CardError
	if errors.As(err, &cardErr) {
		return cardErr.Kind
	}
	return KindUnknown
}

// StatusOf returns the status word carried by err, if any.
func StatusOf(err error) (StatusWord, bool) {
	var cardErr *CardError
	if errors.As(err, &cardErr) && cardErr.SW != 0 {
		return cardErr.SW, true
	}
	return 0, false
}
