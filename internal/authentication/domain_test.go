package authentication

import (
	"errors"
	"math/big"
	"testing"

	"github.com/teslamotors/pace-terminal/pkg/protocol"
)

func TestReservedParameterIDs(t *testing.T) {
	var reserved []int
	for id := 3; id <= 7; id++ {
		reserved = append(reserved, id)
	}
	for id := 19; id <= 32; id++ {
		reserved = append(reserved, id)
	}
	reserved = append(reserved, -1)
	for _, id := range reserved {
		if _, err := StandardDomainParameters(id); !errors.Is(err, protocol.ErrUnsupportedParameters) {
			t.Errorf("expected parameter ID %d to be unsupported, got %v", id, err)
		}
	}
	expected := []int{0, 1, 2, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	ids := StandardDomainParameterIDs()
	if len(ids) != len(expected) {
		t.Fatalf("unexpected standard IDs %v", ids)
	}
	for i := range ids {
		if ids[i] != expected[i] {
			t.Errorf("unexpected standard IDs %v", ids)
		}
	}
}

func TestStandardCurves(t *testing.T) {
	sizes := map[int]int{8: 192, 9: 192, 10: 224, 11: 224, 12: 256, 13: 256, 14: 320, 15: 384, 16: 384, 17: 512, 18: 521}
	for id, bits := range sizes {
		c := mustStandard(t, id).(*ECParameters)
		if c.P.BitLen() != bits {
			t.Errorf("%s: field size %d, expected %d", c, c.P.BitLen(), bits)
		}
		if !c.isOnCurve(c.generator()) {
			t.Errorf("%s: generator is not on the curve", c)
		}
		if !c.scalarMult(c.generator(), c.N).infinity() {
			t.Errorf("%s: generator order mismatch", c)
		}
		if c.Group() != protocol.GroupECDH {
			t.Errorf("%s: unexpected group %s", c, c.Group())
		}
	}
}

func TestStandardGroups(t *testing.T) {
	sizes := map[int][2]int{0: {1024, 160}, 1: {2048, 224}, 2: {2048, 256}}
	for id, bits := range sizes {
		d := mustStandard(t, id).(*DHParameters)
		if d.P.BitLen() != bits[0] || d.Q.BitLen() != bits[1] {
			t.Errorf("%s: unexpected sizes %d/%d", d, d.P.BitLen(), d.Q.BitLen())
		}
		if new(big.Int).Exp(d.G, d.Q, d.P).Cmp(big.NewInt(1)) != 0 {
			t.Errorf("%s: generator order mismatch", d)
		}
		if d.ElementSize() != bits[0]/8 {
			t.Errorf("%s: unexpected element size %d", d, d.ElementSize())
		}
	}
}

func TestExplicitParametersRoundTrip(t *testing.T) {
	c := mustStandard(t, 13).(*ECParameters)
	explicit, err := NewECParameters(c.ECDomainParameters())
	if err != nil {
		t.Fatal(err)
	}
	if explicit.Gx.Cmp(c.Gx) != 0 || explicit.Gy.Cmp(c.Gy) != 0 || explicit.A.Cmp(c.A) != 0 {
		t.Error("explicit curve doesn't match brainpoolP256r1")
	}

	d := mustStandard(t, 1).(*DHParameters)
	explicitDH, err := NewDHParameters(d.DHDomainParameters())
	if err != nil {
		t.Fatal(err)
	}
	if explicitDH.P.Cmp(d.P) != 0 || explicitDH.G.Cmp(d.G) != 0 {
		t.Error("explicit group doesn't match RFC 5114 group")
	}

	params, err := DomainParametersFromInfo(protocol.PACEDomainParameterInfo{StandardizedID: 12, ParameterID: 40})
	if err != nil {
		t.Fatal(err)
	}
	if params.String() != "secp256r1" {
		t.Errorf("unexpected parameters %s", params)
	}
}

func TestExplicitParametersValidation(t *testing.T) {
	c := mustStandard(t, 12).(*ECParameters)
	badGenerator := c.ECDomainParameters()
	badGenerator.Generator = append([]byte(nil), badGenerator.Generator...)
	badGenerator.Generator[1] ^= 0xFF
	cofactor := c.ECDomainParameters()
	cofactor.Cofactor = big.NewInt(4)
	compositeOrder := c.ECDomainParameters()
	compositeOrder.Order = new(big.Int).Add(c.N, big.NewInt(1))
	compositePrime := c.ECDomainParameters()
	compositePrime.Prime = new(big.Int).Add(c.P, big.NewInt(2))

	for name, ec := range map[string]*protocol.ECDomainParameters{
		"generator not on curve": badGenerator,
		"cofactor":               cofactor,
		"composite order":        compositeOrder,
		"composite prime":        compositePrime,
		"incomplete":             {Prime: c.P},
	} {
		if _, err := NewECParameters(ec); !errors.Is(err, protocol.ErrUnsupportedParameters) {
			t.Errorf("%s: expected unsupported parameters, got %v", name, err)
		}
	}

	// p = 23, q = 11: 4 has order 11, 5 is a generator of the full group.
	for name, dh := range map[string]*protocol.DHDomainParameters{
		"generator order":   {P: big.NewInt(23), G: big.NewInt(5), Q: big.NewInt(11)},
		"generator too big": {P: big.NewInt(23), G: big.NewInt(22), Q: big.NewInt(11)},
		"composite modulus": {P: big.NewInt(21), G: big.NewInt(4), Q: big.NewInt(11)},
		"composite order":   {P: big.NewInt(23), G: big.NewInt(4), Q: big.NewInt(12)},
		"incomplete":        {P: big.NewInt(23)},
	} {
		if _, err := NewDHParameters(dh); !errors.Is(err, protocol.ErrUnsupportedParameters) {
			t.Errorf("%s: expected unsupported parameters, got %v", name, err)
		}
	}
	if _, err := NewDHParameters(&protocol.DHDomainParameters{P: big.NewInt(23), G: big.NewInt(4), Q: big.NewInt(11)}); err != nil {
		t.Errorf("rejected valid toy group: %s", err)
	}
}
