//go:build property
// +build property

package contracts_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// Property: id.Translate(Opposite).Translate(Owner) == id and the hash never
// changes.
func TestIDTranslationRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	props := gopter.NewProperties(parameters)

	props.Property("translation is involutive", prop.ForAll(
		func(offer, demand string, provider bool, ms int64) bool {
			owner := contracts.OwnerRequestor
			if provider {
				owner = contracts.OwnerProvider
			}
			created := time.UnixMilli(ms)
			pid := contracts.NewProposalID(owner, offer, demand, "", created)
			aid := contracts.NewAgreementID(owner, pid.Hash, created)

			if pid.Translate(owner.Opposite()).Translate(owner) != pid {
				return false
			}
			if aid.Translate(owner.Opposite()).Translate(owner) != aid {
				return false
			}
			if pid.Translate(contracts.OwnerProvider).Hash != pid.Hash {
				return false
			}
			parsed, err := contracts.ParseProposalID(pid.String())
			return err == nil && parsed == pid
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Int64Range(0, 1<<45),
	))

	props.TestingRun(t)
}
