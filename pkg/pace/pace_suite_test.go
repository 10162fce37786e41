package pace_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPACE(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PACE Suite")
}
