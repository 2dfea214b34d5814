package settlement_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSettlement(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Settlement Suite")
}
