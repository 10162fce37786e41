package protocol

import "fmt"

// StatusWord is the two-byte ISO 7816-4 trailer (SW1 SW2) of a response APDU.
type StatusWord uint16

// Status words used by this package. See ISO 7816-4 section 5.1.3.
const (
	SWSuccess                 StatusWord = 0x9000
	SWEndOfFile               StatusWord = 0x6282 // Warning: end of file reached before Le bytes
	SWVerificationFailed      StatusWord = 0x63C0 // Mask: remaining retries in the low nibble
	SWWrongLength             StatusWord = 0x6700
	SWSMNotSupported          StatusWord = 0x6882
	SWSecurityNotSatisfied    StatusWord = 0x6982
	SWAuthMethodBlocked       StatusWord = 0x6983
	SWReferenceDataUnusable   StatusWord = 0x6984
	SWConditionsNotSatisfied  StatusWord = 0x6985
	SWSMDataMissing           StatusWord = 0x6987
	SWSMDataIncorrect         StatusWord = 0x6988
	SWWrongData               StatusWord = 0x6A80
	SWFileNotFound            StatusWord = 0x6A82
	SWWrongP1P2               StatusWord = 0x6A86
	SWReferenceNotFound       StatusWord = 0x6A88
	SWWrongParameters         StatusWord = 0x6B00 // Offset outside the file
	SWInstructionNotSupported StatusWord = 0x6D00
	SWClassNotSupported       StatusWord = 0x6E00
)

var statusDescriptions = map[StatusWord]string{
	SWSuccess:                 "success",
	SWEndOfFile:               "end of file reached",
	SWWrongLength:             "wrong length",
	SWSMNotSupported:          "secure messaging not supported",
	SWSecurityNotSatisfied:    "security status not satisfied",
	SWAuthMethodBlocked:       "authentication method blocked",
	SWReferenceDataUnusable:   "reference data not usable",
	SWConditionsNotSatisfied:  "conditions of use not satisfied",
	SWSMDataMissing:           "expected secure messaging data objects missing",
	SWSMDataIncorrect:         "incorrect secure messaging data objects",
	SWWrongData:               "incorrect parameters in the data field",
	SWFileNotFound:            "file not found",
	SWWrongP1P2:               "incorrect P1/P2",
	SWReferenceNotFound:       "referenced data not found",
	SWWrongParameters:         "wrong parameters",
	SWInstructionNotSupported: "instruction not supported",
	SWClassNotSupported:       "class not supported",
}

// NewStatusWord combines SW1 and SW2.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(sw1)<<8 | StatusWord(sw2)
}

// StatusWordFromResponse returns the status word at the end of a raw response APDU.
func StatusWordFromResponse(response []byte) (StatusWord, bool) {
	if len(response) < 2 {
		return 0, false
	}
	return NewStatusWord(response[len(response)-2], response[len(response)-1]), true
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

// Bytes returns SW1 SW2.
func (sw StatusWord) Bytes() []byte {
	return []byte{sw.SW1(), sw.SW2()}
}

// Success returns true for 9000.
func (sw StatusWord) Success() bool {
	return sw == SWSuccess
}

// RetriesLeft returns the retry counter reported by a 63Cx status word.
func (sw StatusWord) RetriesLeft() (int, bool) {
	if sw&0xFFF0 != SWVerificationFailed {
		return 0, false
	}
	return int(sw & 0x000F), true
}

// Description returns a human-readable description of sw.
func (sw StatusWord) Description() string {
	if desc, ok := statusDescriptions[sw]; ok {
		return desc
	}
	if retries, ok := sw.RetriesLeft(); ok {
		return fmt.Sprintf("verification failed, %d retries left", retries)
	}
	switch sw.SW1() {
	case 0x61:
		return fmt.Sprintf("%d response bytes still available", sw.SW2())
	case 0x6C:
		return fmt.Sprintf("wrong Le (correct Le=%d)", sw.SW2())
	}
	return "unknown status"
}

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X (%s)", uint16(sw), sw.Description())
}
