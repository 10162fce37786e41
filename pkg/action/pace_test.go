package action_test

import (
	"bytes"
	"encoding/hex"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	Expect(err).ToNot(HaveOccurred())
	return b
}


var _ = Describe("PACE commands", func() {
	var p protocol.Protocol

	BeforeEach(func() {
		var err error
		p, err = protocol.ParseProtocolString("id-PACE-ECDH-GM-AES-CBC-CMAC-128")
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("SetAuthenticationTemplate", func() {
		It("omits the CHAT for unauthenticated terminals", func() {
			cmd := action.SetAuthenticationTemplate(p, protocol.PasswordPIN, protocol.TerminalUnauthenticated)
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("0022C1A4 0F 800A04007F00070202040202 830103")))
		})

		It("adds the authentication terminal CHAT", func() {
			cmd := action.SetAuthenticationTemplate(p, protocol.PasswordCAN, protocol.TerminalAT)
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex(
				"0022C1A4 24 800A04007F00070202040202 830102 7F4C12 060904007F000703010202 53053FFFFFFFF7")))
		})

		It("uses the inspection system template", func() {
			cmd := action.SetAuthenticationTemplate(p, protocol.PasswordMRZ, protocol.TerminalIS)
			Expect(bytes.HasSuffix(cmd.Data, mustHex("060904007F000703010201 530123"))).To(BeTrue())
			Expect(cmd.Data[12:15]).To(Equal([]byte{0x83, 0x01, 0x01}))
		})
	})

	Describe("GeneralAuthenticate", func() {
		It("sets the chaining bit on intermediate rounds", func() {
			cmd := action.GeneralAuthenticate(true, []byte{0x7C, 0x00})
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("10860000 02 7C00 00")))
		})

		It("clears the chaining bit on the last round", func() {
			cmd := action.GeneralAuthenticate(false, mustHex("7C0A 8508 0102030405060708"))
			Expect(cmd.Cla).To(Equal(byte(0x00)))
			Expect(cmd.Ins).To(Equal(action.InsGeneralAuthenticate))
			Expect(cmd.Ne).To(Equal(256))
		})
	})

	Describe("ResetRetryCounter", func() {
		It("sets new reference data for the PIN", func() {
			encoded, err := action.Encode(action.ResetRetryCounter(protocol.PasswordPIN, []byte("654321")))
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("002C0203 06 363534333231")))
		})

		It("unblocks the PIN without data", func() {
			encoded, err := action.Encode(action.UnblockPassword(protocol.PasswordPIN))
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("002C0303")))
		})
	})
})
