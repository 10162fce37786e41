package action_test

import (
	"bytes"
	"errors"

	"github.com/skythen/apdu"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

var _ = Describe("Encode", func() {
	header := apdu.Capdu{Cla: 0x00, Ins: 0xB0, P1: 0x01, P2: 0x02}

	DescribeTable("ISO 7816-3 cases",
		func(data []byte, ne int, expected string) {
			cmd := header
			cmd.Data = data
			cmd.Ne = ne
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex(expected)))
		},
		Entry("case 1", nil, 0, "00B00102"),
		Entry("case 2", nil, 16, "00B00102 10"),
		Entry("case 2 with Ne=256", nil, 256, "00B00102 00"),
		Entry("case 3", []byte{0xAA}, 0, "00B00102 01 AA"),
		Entry("case 4", []byte{0xAA}, 256, "00B00102 01 AA 00"),
		Entry("case 2 extended", nil, 257, "00B00102 000101"),
		Entry("case 2 extended with Ne=65536", nil, 65536, "00B00102 000000"),
	)

	It("uses extended lengths for long data", func() {
		cmd := header
		cmd.Data = bytes.Repeat([]byte{0x55}, 300)
		cmd.Ne = 256
		encoded, err := action.Encode(cmd)
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded[:7]).To(Equal(mustHex("00B00102 00012C")))
		Expect(encoded[7 : 7+300]).To(Equal(cmd.Data))
		Expect(encoded[7+300:]).To(Equal(mustHex("0100")))
		Expect(cmd.IsExtendedLength()).To(BeTrue())
	})

	DescribeTable("agrees with the library encoding",
		func(data []byte, ne int) {
			cmd := header
			cmd.Data = data
			cmd.Ne = ne
			expected, err := cmd.Bytes()
			Expect(err).ToNot(HaveOccurred())
			Expect(action.Encode(cmd)).To(Equal(expected))
		},
		Entry("case 1", nil, 0),
		Entry("case 2 with Ne=256", nil, 256),
		Entry("case 4", []byte{0x01, 0x02}, 0x20),
		Entry("case 2 extended with Ne=65536", nil, 65536),
		Entry("case 4 with long data and short Ne", bytes.Repeat([]byte{0x33}, 256), 16),
	)

	DescribeTable("rejects lengths it can't encode",
		func(data []byte, ne int) {
			cmd := header
			cmd.Data = data
			cmd.Ne = ne
			_, err := action.Encode(cmd)
			Expect(errors.Is(err, action.ErrCommandTooLong)).To(BeTrue())
		},
		Entry("Ne above 65536", nil, 65537),
		Entry("negative Ne", []byte{0x01}, -1),
		Entry("data above 65535 bytes", make([]byte, 65536), 0),
	)
})

var _ = Describe("ParseCommand", func() {
	DescribeTable("inverts Encode",
		func(data []byte, ne int) {
			cmd := apdu.Capdu{Cla: 0x0C, Ins: 0xB0, P1: 0x01, P2: 0x02, Data: data, Ne: ne}
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			parsed, err := action.ParseCommand(encoded)
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed.Cla).To(Equal(cmd.Cla))
			Expect(parsed.P2).To(Equal(cmd.P2))
			Expect(parsed.Data).To(Equal(cmd.Data))
			Expect(parsed.Ne).To(Equal(cmd.Ne))
		},
		Entry("case 1", nil, 0),
		Entry("case 2", nil, 12),
		Entry("case 2 with Ne=256", nil, 256),
		Entry("case 3", []byte{0x01, 0x1C}, 0),
		Entry("case 4", []byte{0x01, 0x1C}, 256),
		Entry("case 2 extended", nil, 1024),
		Entry("case 2 extended with Ne=65536", nil, 65536),
		Entry("case 3 extended", bytes.Repeat([]byte{0x11}, 256), 0),
		Entry("case 4 extended", bytes.Repeat([]byte{0x11}, 1000), 65536),
	)

	DescribeTable("rejects inconsistent lengths",
		func(hexCmd string) {
			_, err := action.ParseCommand(mustHex(hexCmd))
			Expect(errors.Is(err, action.ErrMalformedCommand)).To(BeTrue())
		},
		Entry("short header", "00B001"),
		Entry("short Lc too large", "00A4020C 03 011C"),
		Entry("short Lc too small", "00A4020C 01 011C00"),
		Entry("extended Lc of zero", "00A4020C 000000 00"),
		Entry("truncated extended Le", "00B00000 0001"),
		Entry("extended Lc too large", "00A4020C 000003 011C"),
		Entry("extended Lc too small", "00D60000 000002 AABBCC"),
	)

	It("copies the command data", func() {
		raw := mustHex("00A4020C 02 011C")
		parsed, err := action.ParseCommand(raw)
		Expect(err).ToNot(HaveOccurred())
		raw[5] = 0xFF
		Expect(parsed.Data).To(Equal([]byte{0x01, 0x1C}))
	})
})

var _ = Describe("ParseResponse", func() {
	It("splits data and status word", func() {
		r, err := action.ParseResponse(mustHex("0102 6282"))
		Expect(err).ToNot(HaveOccurred())
		Expect(r.Data).To(Equal([]byte{0x01, 0x02}))
		Expect(action.Status(r)).To(Equal(protocol.SWEndOfFile))
		Expect(r.IsWarning()).To(BeTrue())
		Expect(r.IsSuccess()).To(BeFalse())
	})

	It("rejects truncated responses", func() {
		_, err := action.ParseResponse([]byte{0x90})
		Expect(errors.Is(err, action.ErrResponseTooShort)).To(BeTrue())
	})
})
