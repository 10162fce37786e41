package card_test

import (
	"bytes"
	"context"
	"errors"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslamotors/pace-terminal/pkg/cache"
	"github.com/teslamotors/pace-terminal/pkg/card"
	"github.com/teslamotors/pace-terminal/pkg/connector/sim"
	"github.com/teslamotors/pace-terminal/pkg/metrics"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

const fileDocument uint16 = 0x0101

var _ = Describe("Card", func() {
	var (
		ctx      context.Context
		chip     *sim.Card
		c        *card.Card
		document []byte
	)

	BeforeEach(func() {
		ctx = context.Background()
		document = bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 150)
		var err error
		chip, err = sim.New(sim.WithFile(fileDocument, 0x01, document, true))
		Expect(err).ToNot(HaveOccurred())
		c, err = card.New(chip, nil)
		Expect(err).ToNot(HaveOccurred())
	})

	startPACE := func(password protocol.PasswordReference, secret string) error {
		access, err := c.ReadCardAccess(ctx)
		Expect(err).ToNot(HaveOccurred())
		config, err := pace.ConfigFromCardAccess(access, password, secret, protocol.TerminalAT)
		Expect(err).ToNot(HaveOccurred())
		return c.StartPACE(ctx, config)
	}

	It("reads EF.CardAccess without a session", func() {
		access, err := c.ReadCardAccess(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(access.PACE).To(HaveLen(1))
		Expect(access.PACE[0].Protocol.Name()).To(Equal(sim.DefaultProtocolName))
		Expect(c.Secure()).To(BeFalse())
		Expect(c.SessionID()).To(Equal(uuid.Nil))
	})

	It("refuses protected files without a session", func() {
		err := c.SelectFile(ctx, fileDocument)
		var statusErr *card.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
		Expect(statusErr.SW).To(Equal(protocol.SWSecurityNotSatisfied))
	})

	It("protects commands after PACE", func() {
		Expect(startPACE(protocol.PasswordPIN, sim.DefaultPIN)).To(Succeed())
		Expect(c.Secure()).To(BeTrue())
		Expect(c.SessionID()).ToNot(Equal(uuid.Nil))
		Expect(c.ChipEphemeralKey()).ToNot(BeEmpty())
		p, ok := c.Protocol()
		Expect(ok).To(BeTrue())
		Expect(p.Name()).To(Equal(sim.DefaultProtocolName))

		Expect(c.SelectApplication(ctx, sim.ApplicationEID)).To(Succeed())
		Expect(c.SelectFile(ctx, fileDocument)).To(Succeed())
		content, err := c.ReadFile(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal(document))

		content, err = c.ReadShortFile(ctx, 0x01)
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal(document))

		access, err := c.ReadCardAccess(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(access.PACE).To(HaveLen(1))
		Expect(chip.Secure()).To(BeTrue())
	})

	It("reads files that end on a chunk boundary", func() {
		document = bytes.Repeat([]byte{0xEE}, 2*0xDF)
		var err error
		chip, err = sim.New(sim.WithFile(fileDocument, 0x01, document, true))
		Expect(err).ToNot(HaveOccurred())
		c, err = card.New(chip, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(startPACE(protocol.PasswordCAN, sim.DefaultCAN)).To(Succeed())
		Expect(c.SelectFile(ctx, fileDocument)).To(Succeed())
		content, err := c.ReadFile(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal(document))
	})

	It("reports missing files", func() {
		Expect(startPACE(protocol.PasswordCAN, sim.DefaultCAN)).To(Succeed())
		err := c.SelectFile(ctx, 0x0BAD)
		var statusErr *card.StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
		Expect(statusErr.SW).To(Equal(protocol.SWFileNotFound))
		// A status word from the card doesn't end the session.
		Expect(c.Secure()).To(BeTrue())
	})

	It("changes and unblocks the PIN", func() {
		Expect(c.ChangePIN(ctx, "2468")).To(MatchError(card.ErrNoSession))
		Expect(startPACE(protocol.PasswordCAN, sim.DefaultCAN)).To(Succeed())
		Expect(c.ChangePIN(ctx, "2468")).To(Succeed())
		Expect(chip.Secret(protocol.PasswordPIN)).To(Equal("2468"))

		err := startPACE(protocol.PasswordPIN, sim.DefaultPIN)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindHandshakeFailure))
		Expect(c.Secure()).To(BeFalse())
		Expect(chip.PINRetries()).To(Equal(sim.MaxPINRetries - 1))

		Expect(startPACE(protocol.PasswordPUK, sim.DefaultPUK)).To(Succeed())
		Expect(c.UnblockPIN(ctx)).To(Succeed())
		Expect(chip.PINRetries()).To(Equal(sim.MaxPINRetries))
	})

	It("ends the session on an integrity failure", func() {
		Expect(startPACE(protocol.PasswordCAN, sim.DefaultCAN)).To(Succeed())
		// An unprotected command makes the chip drop its session keys.
		_, _, err := chip.Transmit(ctx, []byte{0x00, 0xA4, 0x04, 0x0C, 0x09, 0xE8, 0x07, 0x04, 0x00, 0x7F, 0x00, 0x07, 0x03, 0x02})
		Expect(err).ToNot(HaveOccurred())

		err = c.SelectApplication(ctx, sim.ApplicationEID)
		Expect(errors.Is(err, protocol.ErrIntegrityFailure)).To(BeTrue())
		sw, ok := protocol.StatusOf(err)
		Expect(ok).To(BeTrue())
		Expect(sw).To(Equal(protocol.SWSMNotSupported))
		Expect(c.Secure()).To(BeFalse())
	})

	It("records metrics", func() {
		metrics.HandshakesTotal.Reset()
		metrics.APDUsTotal.Reset()
		Expect(startPACE(protocol.PasswordCAN, sim.DefaultCAN)).To(Succeed())
		Expect(c.SelectApplication(ctx, sim.ApplicationEID)).To(Succeed())
		Expect(testutil.ToFloat64(metrics.HandshakesTotal.WithLabelValues(metrics.StatusSuccess))).To(BeEquivalentTo(1))
		Expect(testutil.ToFloat64(metrics.APDUsTotal.WithLabelValues(metrics.ProtectionSecure))).To(BeEquivalentTo(1))
		// EF.CardAccess takes one plain read.
		Expect(testutil.ToFloat64(metrics.APDUsTotal.WithLabelValues(metrics.ProtectionPlain))).To(BeEquivalentTo(1))
	})

	Context("with a session cache", func() {
		It("resumes a cached session", func() {
			sessions := cache.New(1)
			Expect(c.UpdateCachedSession(sessions)).To(MatchError(card.ErrNoSession))
			Expect(startPACE(protocol.PasswordPIN, sim.DefaultPIN)).To(Succeed())
			Expect(c.SelectFile(ctx, fileDocument)).To(Succeed())
			Expect(c.UpdateCachedSession(sessions)).To(Succeed())

			resumed, err := card.New(chip, sessions)
			Expect(err).ToNot(HaveOccurred())
			Expect(resumed.Secure()).To(BeTrue())
			Expect(resumed.SessionID()).To(Equal(c.SessionID()))
			content, err := resumed.ReadFile(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(content).To(Equal(document))
		})

		It("starts without a session when the card isn't cached", func() {
			resumed, err := card.New(chip, cache.New(0))
			Expect(err).ToNot(HaveOccurred())
			Expect(resumed.Secure()).To(BeFalse())
			Expect(resumed.LoadCachedSession(cache.New(0))).To(MatchError(card.ErrNotInCache))
		})

		It("rejects a corrupt cache entry", func() {
			sessions := cache.New(0)
			sessions.Update(cache.Key(chip.Reader(), chip.ATR()), cache.Entry{Bundle: []byte{0xFF}})
			_, err := card.New(chip, sessions)
			Expect(err).To(HaveOccurred())
		})
	})

	It("closes the connection", func() {
		c.Close()
		_, err := c.ReadCardAccess(ctx)
		Expect(errors.Is(err, protocol.ErrTransportFailure)).To(BeTrue())
	})
})
