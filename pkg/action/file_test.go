package action_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/pace-terminal/pkg/action"
)

var _ = Describe("File commands", func() {
	It("selects an application without FCI", func() {
		encoded, err := action.Encode(action.SelectApplication(mustHex("E80704007F00070302")))
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(Equal(mustHex("00A4040C 09 E80704007F00070302")))
	})

	It("selects an elementary file", func() {
		encoded, err := action.Encode(action.SelectFile(0x011C))
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(Equal(mustHex("00A4020C 02 011C")))
	})

	Describe("ReadBinary", func() {
		It("encodes the offset in P1-P2", func() {
			cmd, err := action.ReadBinary(0x0123, 0xDF)
			Expect(err).ToNot(HaveOccurred())
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("00B00123DF")))
		})

		It("rejects offsets that collide with the SFI bit", func() {
			_, err := action.ReadBinary(0x8000, 1)
			Expect(err).To(HaveOccurred())
		})

		It("reads by short file identifier", func() {
			cmd, err := action.ReadBinarySFI(0x1C, 0, 256)
			Expect(err).ToNot(HaveOccurred())
			encoded, err := action.Encode(cmd)
			Expect(err).ToNot(HaveOccurred())
			Expect(encoded).To(Equal(mustHex("00B09C0000")))
		})

		It("rejects invalid short file identifiers", func() {
			_, err := action.ReadBinarySFI(0x20, 0, 1)
			Expect(err).To(HaveOccurred())
			_, err = action.ReadBinarySFI(0, 0, 1)
			Expect(err).To(HaveOccurred())
		})
	})
})
