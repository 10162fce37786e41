package pace_test

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/teslamotors/pace-terminal/internal/authentication"
	"github.com/teslamotors/pace-terminal/mocks"
	"github.com/teslamotors/pace-terminal/pkg/pace"
	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	Expect(err).ToNot(HaveOccurred())
	return b
}

// fixedScalars makes a key agreement over order pick the given private keys, in order.
func fixedScalars(order *big.Int, scalars ...string) io.Reader {
	var buf []byte
	for _, s := range scalars {
		k, ok := new(big.Int).SetString(s, 16)
		Expect(ok).To(BeTrue())
		k.Sub(k, big.NewInt(1))
		buf = append(buf, k.FillBytes(make([]byte, authentication.ScalarSize(order)))...)
	}
	return bytes.NewReader(buf)
}

// ICAO 9303 part 11, appendix G.1.
const (
	vectorMRZ        = "T22000129364081251010318"
	vectorNonce      = "95A3A016522EE98D01E76CB6B98B42C3"
	vectorTerminalX1 = "7F4EF07B9EA82FD78AD689B38D0BC78CF21F249D953BC46F4C6E19259C010F99"
	vectorTerminalX2 = "A73FB703AC1436A18E0CFA5ABB3F7BEC7A070E7A6788486BEE230C4A22762595"
	vectorX1         = "047ACF3EFC982EC45565A4B155129EFBC74650DCBFA6362D896FC70262E0C2CC5E" +
		"544552DCB6725218799115B55C9BAA6D9F6BC3A9618E70C25AF71777A9C4922D"
	vectorY1 = "04824FBA91C9CBE26BEF53A0EBE7342A3BF178CEA9F45DE0B70AA601651FBA3F57" +
		"30D8C879AAA9C9F73991E61B58F4D52EB87A0A0C709A49DC63719363CCD13C54"
	vectorX2 = "042DB7A64C0355044EC9DF190514C625CBA2CEA48754887122F3A5EF0D5EDD301C" +
		"3556F3B3B186DF10B857B58F6A7EB80F20BA5DC7BE1D43D9BF850149FBB36462"
	vectorY2 = "049E880F842905B8B3181F7AF7CAA9F0EFB743847F44A306D2D28C1D9EC65DF6DB" +
		"7764B22277A2EDDC3C265A9F018F9CB852E111B768B326904B59A0193776F094"
	vectorTerminalToken = "C2B0BD78D94BA866"
	vectorChipToken     = "3ABB9674BCE93C08"
)

var _ = Describe("Operator", func() {
	var (
		ctrl      *gomock.Controller
		transport *mocks.Transport
		config    pace.Config
		ctx       context.Context
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		transport = mocks.NewTransport(ctrl)
		ctx = context.Background()

		p, err := protocol.ParseProtocolString("id-PACE-ECDH-GM-AES-CBC-CMAC-128")
		Expect(err).ToNot(HaveOccurred())
		params, err := authentication.StandardDomainParameters(13)
		Expect(err).ToNot(HaveOccurred())
		config = pace.Config{
			Protocol:    p,
			ParameterID: 13,
			Password:    protocol.PasswordMRZ,
			Secret:      vectorMRZ,
			Terminal:    protocol.TerminalUnauthenticated,
			Rand:        fixedScalars(params.Order(), vectorTerminalX1, vectorTerminalX2),
		}
	})

	expectSetAT := func() *gomock.Call {
		return transport.EXPECT().Transmit(gomock.Any(), mustHex("0022C1A4 0F 800A04007F00070202040202 830101"))
	}
	expectNonce := func() *gomock.Call {
		return transport.EXPECT().Transmit(gomock.Any(), mustHex("10860000 02 7C00 00"))
	}
	expectMapping := func() *gomock.Call {
		return transport.EXPECT().Transmit(gomock.Any(), mustHex("10860000 45 7C43 8141"+vectorX1+" 00"))
	}
	expectKeyAgreement := func() *gomock.Call {
		return transport.EXPECT().Transmit(gomock.Any(), mustHex("10860000 45 7C43 8341"+vectorX2+" 00"))
	}
	expectMutualAuthentication := func() *gomock.Call {
		return transport.EXPECT().Transmit(gomock.Any(), mustHex("00860000 0C 7C0A 8508"+vectorTerminalToken+" 00"))
	}

	Context("with the ICAO 9303 test vector", func() {
		It("sends the expected commands and derives the expected keys", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C12 8010"+vectorNonce), protocol.SWSuccess, nil),
				expectMapping().Return(mustHex("7C43 8241"+vectorY1), protocol.SWSuccess, nil),
				expectKeyAgreement().Return(mustHex("7C43 8441"+vectorY2), protocol.SWSuccess, nil),
				expectMutualAuthentication().Return(mustHex("7C0A 8608"+vectorChipToken), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			channel, err := operator.Establish(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(operator.State()).To(Equal(pace.StateEstablished))
			Expect(operator.ChipEphemeralKey()).To(Equal(mustHex(vectorY2)))
			current, previous := operator.CertificationAuthorityReferences()
			Expect(current).To(BeNil())
			Expect(previous).To(BeNil())

			wrapped, err := channel.Wrap(mustHex("00A4000C"))
			Expect(err).ToNot(HaveOccurred())
			Expect(wrapped).To(Equal(mustHex("0CA4000C 0A 8E08B7EF1F955E3CC818 00")))
			plain, err := channel.Unwrap(mustHex("990290008E08BEA7B381C494A079 9000"))
			Expect(err).ToNot(HaveOccurred())
			Expect(plain).To(Equal(mustHex("9000")))
		})

		It("accepts the end of file warning and reports CVCA references", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C12 8010"+vectorNonce), protocol.SWEndOfFile, nil),
				expectMapping().Return(mustHex("7C43 8241"+vectorY1), protocol.SWSuccess, nil),
				expectKeyAgreement().Return(mustHex("7C43 8441"+vectorY2), protocol.SWSuccess, nil),
				expectMutualAuthentication().Return(mustHex("7C1C 8608"+vectorChipToken+" 8708 4445435643413031 8806 444543564341"), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(err).ToNot(HaveOccurred())
			current, previous := operator.CertificationAuthorityReferences()
			Expect(string(current)).To(Equal("DECVCA01"))
			Expect(string(previous)).To(Equal("DECVCA"))
		})

		It("rejects a forged chip token", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C12 8010"+vectorNonce), protocol.SWSuccess, nil),
				expectMapping().Return(mustHex("7C43 8241"+vectorY1), protocol.SWSuccess, nil),
				expectKeyAgreement().Return(mustHex("7C43 8441"+vectorY2), protocol.SWSuccess, nil),
				expectMutualAuthentication().Return(mustHex("7C0A 8608 3ABB9674BCE93C09"), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindAuthenticationTokenMismatch))
			Expect(operator.State()).To(Equal(pace.StateFailed))
			Expect(operator.ChipEphemeralKey()).To(BeNil())
		})

		It("rejects a chip that reflects the terminal's key", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C12 8010"+vectorNonce), protocol.SWSuccess, nil),
				expectMapping().Return(mustHex("7C43 8241"+vectorY1), protocol.SWSuccess, nil),
				expectKeyAgreement().Return(mustHex("7C43 8441"+vectorX2), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidGroupElement))
		})
	})

	Context("when the chip refuses a step", func() {
		It("reports the status word of MSE:Set AT", func() {
			expectSetAT().Return(nil, protocol.SWReferenceNotFound, nil)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(errors.Is(err, protocol.ErrHandshakeFailure)).To(BeTrue())
			sw, ok := protocol.StatusOf(err)
			Expect(ok).To(BeTrue())
			Expect(sw).To(Equal(protocol.SWReferenceNotFound))
			Expect(operator.State()).To(Equal(pace.StateFailed))
		})

		It("skips the after hook when MSE:Set AT is refused", func() {
			before := make(chan struct{}, 1)
			after := make(chan struct{}, 1)
			config.BeforeSetAT = func(context.Context) error {
				before <- struct{}{}
				return nil
			}
			config.AfterSetAT = func(context.Context) error {
				after <- struct{}{}
				return nil
			}
			expectSetAT().Return(nil, protocol.SWReferenceNotFound, nil)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(errors.Is(err, protocol.ErrHandshakeFailure)).To(BeTrue())
			Eventually(before, time.Second).Should(Receive())
			Consistently(after, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("reports the status word of General Authenticate", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(nil, protocol.SWConditionsNotSatisfied, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindHandshakeFailure))
			sw, _ := protocol.StatusOf(err)
			Expect(sw).To(Equal(protocol.SWConditionsNotSatisfied))
		})

		It("reports a wrong password with the remaining retries", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C12 8010"+vectorNonce), protocol.SWSuccess, nil),
				expectMapping().Return(mustHex("7C43 8241"+vectorY1), protocol.SWSuccess, nil),
				expectKeyAgreement().Return(mustHex("7C43 8441"+vectorY2), protocol.SWSuccess, nil),
				expectMutualAuthentication().Return(nil, protocol.SWVerificationFailed|2, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			sw, ok := protocol.StatusOf(err)
			Expect(ok).To(BeTrue())
			retries, ok := sw.RetriesLeft()
			Expect(ok).To(BeTrue())
			Expect(retries).To(Equal(2))
		})

		It("rejects an encrypted nonce that isn't block aligned", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C06 8004 01020304"), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindHandshakeFailure))
		})

		It("rejects a response without the encrypted nonce", func() {
			gomock.InOrder(
				expectSetAT().Return(nil, protocol.SWSuccess, nil),
				expectNonce().Return(mustHex("7C00"), protocol.SWSuccess, nil),
			)
			operator, err := pace.NewOperator(transport, config)
			Expect(err).ToNot(HaveOccurred())
			_, err = operator.Establish(ctx)
			Expect(protocol.KindOf(err)).To(Equal(protocol.KindHandshakeFailure))
		})
	})

	It("reports transport errors", func() {
		expectSetAT().Return(nil, protocol.StatusWord(0), errors.New("reader unplugged"))
		operator, err := pace.NewOperator(transport, config)
		Expect(err).ToNot(HaveOccurred())
		_, err = operator.Establish(ctx)
		Expect(errors.Is(err, protocol.ErrTransportFailure)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("reader unplugged"))
	})

	Describe("NewOperator", func() {
		// transport has no expectations, so any command sent fails the test.
		DescribeTable("rejects unusable configurations before sending anything",
			func(update func(*pace.Config)) {
				update(&config)
				_, err := pace.NewOperator(transport, config)
				Expect(errors.Is(err, protocol.ErrUnsupportedParameters)).To(BeTrue())
			},
			Entry("reserved parameter ID", func(c *pace.Config) { c.ParameterID = 5 }),
			Entry("missing parameter ID", func(c *pace.Config) { c.ParameterID = -1 }),
			Entry("proprietary ID without parameters", func(c *pace.Config) { c.ParameterID = 42 }),
			Entry("DH parameters for an ECDH protocol", func(c *pace.Config) { c.ParameterID = 2 }),
			Entry("no protocol", func(c *pace.Config) { c.Protocol = protocol.Protocol{} }),
			Entry("invalid password reference", func(c *pace.Config) { c.Password = 9 }),
			Entry("invalid terminal reference", func(c *pace.Config) { c.Terminal = 7 }),
			Entry("parameters of another family", func(c *pace.Config) {
				c.DomainParameters = &protocol.PACEDomainParameterInfo{
					Protocol:       append(append(asn1.ObjectIdentifier(nil), protocol.OIDPACE...), 1),
					StandardizedID: 13,
					ParameterID:    40,
				}
			}),
		)
	})
})
