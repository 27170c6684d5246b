// Package purchase implements the credit purchase flow: a static plan
// catalog, pending purchase creation, and a background worker that settles
// purchases after the stubbed payment delay and credits the buyer.
package purchase

import "github.com/astroweb/astro-server/internal/domain"

// Catalog is the fixed set of purchasable plans. Prices are whole dollars;
// there is no live payment provider behind them yet.
var Catalog = []domain.Plan{
	{
		ID:          "single",
		Name:        "Single Consultation",
		Price:       15,
		Credits:     1,
		Description: "One consultation with Astro on any topic",
	},
	{
		ID:          "bundle-5",
		Name:        "Cosmic Bundle",
		Price:       60,
		Credits:     5,
		Description: "Five consultations at a stellar discount",
	},
	{
		ID:          "bundle-10",
		Name:        "Astro Explorer",
		Price:       100,
		Credits:     10,
		Description: "Ten consultations for the dedicated seeker",
	},
}

// LookupPlan returns the plan with the given ID, or false when unknown.
func LookupPlan(id string) (domain.Plan, bool) {
	for _, p := range Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Plan{}, false
}
