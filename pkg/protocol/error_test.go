package protocol

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestErrorKinds(t *testing.T) {
	sentinels := map[Kind]error{
		KindTransportFailure:            ErrTransportFailure,
		KindHandshakeFailure:            ErrHandshakeFailure,
		KindInvalidGroupElement:         ErrInvalidGroupElement,
		KindAuthenticationTokenMismatch: ErrAuthenticationTokenMismatch,
		KindIntegrityFailure:            ErrIntegrityFailure,
		KindUnsupportedParameters:       ErrUnsupportedParameters,
	}
	for kind, sentinel := range sentinels {
		err := pkgerrors.Wrap(NewError(kind, "step %d", 3), "while talking to card")
		if !errors.Is(err, sentinel) {
			t.Errorf("%s error doesn't match its sentinel", kind)
		}
		if KindOf(err) != kind {
			t.Errorf("KindOf returned %s, expected %s", KindOf(err), kind)
		}
		for otherKind, other := range sentinels {
			if otherKind != kind && errors.Is(err, other) {
				t.Errorf("%s error matches %s sentinel", kind, otherKind)
			}
		}
	}
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("pace: %w", NewStatusError("MSE:Set AT", SWReferenceNotFound))
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Errorf("status error isn't a handshake failure")
	}
	sw, ok := StatusOf(err)
	if !ok || sw != SWReferenceNotFound {
		t.Errorf("StatusOf returned %s, %v", sw, ok)
	}
	if _, ok := StatusOf(NewError(KindIntegrityFailure, "bad MAC")); ok {
		t.Errorf("StatusOf found status word in error without one")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Errorf("plain error has a kind")
	}
	if WrapError(KindTransportFailure, nil) != nil {
		t.Errorf("WrapError(nil) should be nil")
	}
}

func TestStatusWordDescription(t *testing.T) {
	type testCase struct {
		sw       StatusWord
		expected string
	}
	tests := []testCase{
		{SWSuccess, "9000 (success)"},
		{0x63C2, "63C2 (verification failed, 2 retries left)"},
		{0x6110, "6110 (16 response bytes still available)"},
		{0x6C08, "6C08 (wrong Le (correct Le=8))"},
		{0x6F00, "6F00 (unknown status)"},
	}
	for _, test := range tests {
		if test.sw.String() != test.expected {
			t.Errorf("got '%s', expected '%s'", test.sw, test.expected)
		}
	}
	if retries, ok := StatusWord(0x63C0).RetriesLeft(); !ok || retries != 0 {
		t.Errorf("unexpected retry counter %d (%v)", retries, ok)
	}
	if _, ok := SWSuccess.RetriesLeft(); ok {
		t.Errorf("9000 reported as retry counter")
	}
	if sw, ok := StatusWordFromResponse([]byte{0x01, 0x62, 0x82}); !ok || sw != SWEndOfFile {
		t.Errorf("unexpected status word %s", sw)
	}
	if _, ok := StatusWordFromResponse([]byte{0x90}); ok {
		t.Errorf("one-byte response has a status word")
	}
}
