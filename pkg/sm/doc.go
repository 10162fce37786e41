// Package sm implements ISO 7816-4 Secure Messaging with the session keys agreed by PACE.
//
// A [Channel] protects the terminal's side of the link: [Channel.Wrap] turns a plain command APDU
// into a protected one and [Channel.Unwrap] verifies and decrypts the chip's answer. Every Wrap
// must be followed by exactly one Unwrap. Both advance the send sequence counter (SSC), so a
// complete exchange moves it forward by two.
//
// A failed MAC check is fatal: the counters of terminal and chip can no longer be reconciled and
// the Channel refuses any further use. Callers must run PACE again.
//
// [Responder] is the chip's side of the same scheme. It backs the simulated chip and tests.
package sm
