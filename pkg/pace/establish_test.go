package pace_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/pkg/action"
	"github.com/teslamotors/pace-terminal/pkg/connector"
	"github.com/teslamotors/pace-terminal/pkg/connector/sim"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
	"github.com/teslamotors/pace-terminal/pkg/sm"
)

func mustProtocol(name string) protocol.Protocol {
	p, err := protocol.ParseProtocolString(name)
	Expect(err).ToNot(HaveOccurred())
	return p
}

func newCard(options ...sim.Option) *sim.Card {
	card, err := sim.New(options...)
	Expect(err).ToNot(HaveOccurred())
	return card
}

// configFor reads the card's EF.CardAccess the way a terminal would see it.
func configFor(card *sim.Card, password protocol.PasswordReference, secret string) pace.Config {
	der, err := card.CardAccess().Marshal()
	Expect(err).ToNot(HaveOccurred())
	access, err := protocol.ParseCardAccess(der)
	Expect(err).ToNot(HaveOccurred())
	config, err := pace.ConfigFromCardAccess(access, password, secret, protocol.TerminalUnauthenticated)
	Expect(err).ToNot(HaveOccurred())
	return config
}

// secureExchange sends a plain command through channel and returns the plain response.
func secureExchange(channel *sm.Channel, t connector.Transport, command []byte) []byte {
	wrapped, err := channel.Wrap(command)
	Expect(err).ToNot(HaveOccurred())
	response, err := connector.Exchange(context.Background(), t, wrapped)
	Expect(err).ToNot(HaveOccurred())
	plain, err := channel.Unwrap(response)
	Expect(err).ToNot(HaveOccurred())
	return plain
}

// tamperingTransport flips the lowest bit of byte index of the response to command number round.
type tamperingTransport struct {
	connector.Transport
	round, index int
	count        int
}

func (t *tamperingTransport) Transmit(ctx context.Context, command []byte) ([]byte, protocol.StatusWord, error) {
	data, sw, err := t.Transport.Transmit(ctx, command)
	if t.count == t.round && err == nil && t.index < len(data) {
		data = append([]byte(nil), data...)
		data[t.index] ^= 0x01
	}
	t.count++
	return data, sw, err
}

const (
	roundMapping = iota + 2
	roundKeyAgreement
	roundMutualAuthentication
)

var _ = Describe("Establish", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	establish := func(t connector.Transport, config pace.Config) (*pace.Operator, *sm.Channel, error) {
		operator, err := pace.NewOperator(t, config)
		Expect(err).ToNot(HaveOccurred())
		channel, err := operator.Establish(ctx)
		return operator, channel, err
	}

	It("opens a secure channel with the PIN", func() {
		card := newCard()
		operator, channel, err := establish(card, configFor(card, protocol.PasswordPIN, sim.DefaultPIN))
		Expect(err).ToNot(HaveOccurred())
		Expect(operator.State()).To(Equal(pace.StateEstablished))
		Expect(card.Secure()).To(BeTrue())

		wrapped, err := channel.Wrap(mustHex("00A4000C"))
		Expect(err).ToNot(HaveOccurred())
		Expect(wrapped[0]).To(Equal(byte(0x0C)))
		Expect(wrapped[4:7]).To(Equal([]byte{0x0A, 0x8E, 0x08}))
		Expect(wrapped[len(wrapped)-1]).To(Equal(byte(0x00)))
	})

	DescribeTable("agrees on keys for every protocol family",
		func(name string, parameterID int) {
			p := mustProtocol(name)
			card := newCard(sim.WithProtocol(p, parameterID))
			config := configFor(card, protocol.PasswordCAN, sim.DefaultCAN)
			Expect(config.Protocol.OID).To(Equal(p.OID))
			_, channel, err := establish(card, config)
			Expect(err).ToNot(HaveOccurred())
			Expect(channel.Protocol().OID).To(Equal(p.OID))

			selectCommand, err := action.Encode(action.SelectFile(protocol.FileCardAccess))
			Expect(err).ToNot(HaveOccurred())
			Expect(secureExchange(channel, card, selectCommand)).To(Equal(protocol.SWSuccess.Bytes()))
			read, err := action.ReadBinary(0, 256)
			Expect(err).ToNot(HaveOccurred())
			readCommand, err := action.Encode(read)
			Expect(err).ToNot(HaveOccurred())
			response := secureExchange(channel, card, readCommand)
			access, err := card.CardAccess().Marshal()
			Expect(err).ToNot(HaveOccurred())
			Expect(response[:len(response)-2]).To(Equal(access))
		},
		Entry("DH GM 3DES", "id-PACE-DH-GM-3DES-CBC-CBC", 0),
		Entry("DH GM AES-128", "id-PACE-DH-GM-AES-CBC-CMAC-128", 1),
		Entry("DH IM AES-256", "id-PACE-DH-IM-AES-CBC-CMAC-256", 2),
		Entry("ECDH GM 3DES", "id-PACE-ECDH-GM-3DES-CBC-CBC", 8),
		Entry("ECDH GM AES-128", "id-PACE-ECDH-GM-AES-CBC-CMAC-128", 12),
		Entry("ECDH GM AES-192", "id-PACE-ECDH-GM-AES-CBC-CMAC-192", 15),
		Entry("ECDH IM AES-256", "id-PACE-ECDH-IM-AES-CBC-CMAC-256", 17),
		Entry("ECDH GM AES-256", "id-PACE-ECDH-GM-AES-CBC-CMAC-256", 18),
	)

	DescribeTable("accepts every password type",
		func(password protocol.PasswordReference, secret string) {
			card := newCard()
			_, _, err := establish(card, configFor(card, password, secret))
			Expect(err).ToNot(HaveOccurred())
		},
		Entry("MRZ", protocol.PasswordMRZ, sim.DefaultMRZ),
		Entry("CAN", protocol.PasswordCAN, sim.DefaultCAN),
		Entry("PIN", protocol.PasswordPIN, sim.DefaultPIN),
		Entry("PUK", protocol.PasswordPUK, sim.DefaultPUK),
	)

	DescribeTable("uses proprietary domain parameters from EF.CardAccess",
		func(name string, standardID int) {
			p := mustProtocol(name)
			params, err := authentication.StandardDomainParameters(standardID)
			Expect(err).ToNot(HaveOccurred())
			card := newCard(sim.WithDomainParameters(p, params, 42))
			config := configFor(card, protocol.PasswordPIN, sim.DefaultPIN)
			Expect(config.ParameterID).To(Equal(42))
			Expect(config.DomainParameters).ToNot(BeNil())
			_, _, err = establish(card, config)
			Expect(err).ToNot(HaveOccurred())
		},
		Entry("explicit curve", "id-PACE-ECDH-GM-AES-CBC-CMAC-128", 13),
		Entry("explicit MODP group", "id-PACE-DH-GM-AES-CBC-CMAC-128", 0),
	)

	It("decrements the PIN retry counter on a wrong PIN", func() {
		card := newCard()
		operator, _, err := establish(card, configFor(card, protocol.PasswordPIN, "000000"))
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindHandshakeFailure))
		sw, ok := protocol.StatusOf(err)
		Expect(ok).To(BeTrue())
		Expect(sw).To(Equal(protocol.SWVerificationFailed | 2))
		Expect(operator.State()).To(Equal(pace.StateFailed))
		Expect(card.PINRetries()).To(Equal(2))
		Expect(card.Secure()).To(BeFalse())

		_, _, err = establish(card, configFor(card, protocol.PasswordPIN, sim.DefaultPIN))
		Expect(err).ToNot(HaveOccurred())
		Expect(card.PINRetries()).To(Equal(sim.MaxPINRetries))
	})

	It("rejects a wrong CAN without a retry counter", func() {
		card := newCard()
		_, _, err := establish(card, configFor(card, protocol.PasswordCAN, "123123"))
		sw, _ := protocol.StatusOf(err)
		Expect(sw).To(Equal(protocol.SWVerificationFailed))
	})

	It("returns the CVCA references sent by the chip", func() {
		card := newCard(sim.WithCertificationAuthorities([]byte("DECVCAeID00102"), []byte("DECVCAeID00101")))
		operator, _, err := establish(card, configFor(card, protocol.PasswordPIN, sim.DefaultPIN))
		Expect(err).ToNot(HaveOccurred())
		current, previous := operator.CertificationAuthorityReferences()
		Expect(string(current)).To(Equal("DECVCAeID00102"))
		Expect(string(previous)).To(Equal("DECVCAeID00101"))
	})

	Context("when a response is altered after the nonce step", func() {
		// Responses to both key rounds are 7C43 8241|8441 04 x y, so bytes 0-4 cover the
		// framing and the rest cover the coordinates.
		keyIndexes := []int{0, 1, 2, 3, 4, 5, 36, 37, 68}

		for _, index := range keyIndexes {
			It(fmt.Sprintf("rejects the chip's mapping key with byte %d flipped", index), func() {
				card := newCard()
				t := &tamperingTransport{Transport: card, round: roundMapping, index: index}
				_, _, err := establish(t, configFor(card, protocol.PasswordCAN, sim.DefaultCAN))
				Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidGroupElement), "byte %d", index)
			})

			It(fmt.Sprintf("rejects the chip's ephemeral key with byte %d flipped", index), func() {
				card := newCard()
				t := &tamperingTransport{Transport: card, round: roundKeyAgreement, index: index}
				_, _, err := establish(t, configFor(card, protocol.PasswordCAN, sim.DefaultCAN))
				Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidGroupElement), "byte %d", index)
			})
		}

		It("rejects the chip's token", func() {
			for index := 0; index < 12; index++ {
				card := newCard()
				t := &tamperingTransport{Transport: card, round: roundMutualAuthentication, index: index}
				_, _, err := establish(t, configFor(card, protocol.PasswordCAN, sim.DefaultCAN))
				Expect(protocol.KindOf(err)).To(Equal(protocol.KindAuthenticationTokenMismatch), "byte %d", index)
			}
		})
	})

	Context("with hooks", func() {
		It("runs both hooks", func() {
			var before, after atomic.Int32
			card := newCard()
			config := configFor(card, protocol.PasswordPIN, sim.DefaultPIN)
			config.BeforeSetAT = func(context.Context) error {
				before.Add(1)
				return nil
			}
			config.AfterSetAT = func(context.Context) error {
				after.Add(1)
				return nil
			}
			_, _, err := establish(card, config)
			Expect(err).ToNot(HaveOccurred())
			Eventually(before.Load).Should(BeEquivalentTo(1))
			Eventually(after.Load).Should(BeEquivalentTo(1))
		})

		It("ignores failing and panicking hooks", func() {
			card := newCard()
			config := configFor(card, protocol.PasswordPIN, sim.DefaultPIN)
			config.BeforeSetAT = func(context.Context) error {
				return context.DeadlineExceeded
			}
			config.AfterSetAT = func(context.Context) error {
				panic("hook crashed")
			}
			_, _, err := establish(card, config)
			Expect(err).ToNot(HaveOccurred())
		})

		It("doesn't wait for slow hooks or cancel them", func() {
			release := make(chan struct{})
			observed := make(chan error, 1)
			card := newCard()
			config := configFor(card, protocol.PasswordPIN, sim.DefaultPIN)
			config.AfterSetAT = func(hookCtx context.Context) error {
				<-release
				observed <- hookCtx.Err()
				return nil
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			_, _, err := establish(card, config)
			Expect(err).ToNot(HaveOccurred())
			cancel()
			close(release)
			Eventually(observed, time.Second).Should(Receive(BeNil()))
		})
	})
})
