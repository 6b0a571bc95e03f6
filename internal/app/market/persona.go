package market

import (
	"fmt"

	"github.com/industriverse/chronos/internal/domain"
)

// DefaultPersona is active until another persona is selected.
const DefaultPersona = "steady"

var catalogue = []domain.Persona{
	{
		ID:                "steady",
		BiasStance:        domain.StanceBalanced,
		BaseBidMultiplier: 1.0,
		RiskTolerance:     0.5,
		Description:       "Bids at face value. Follows the market stance without amplification.",
	},
	{
		ID:                "opportunist",
		BiasStance:        domain.StanceAggressive,
		BaseBidMultiplier: 1.3,
		RiskTolerance:     0.8,
		Description:       "Overbids to run more work while trades are consistently profitable.",
	},
	{
		ID:                "guardian",
		BiasStance:        domain.StanceConservative,
		BaseBidMultiplier: 0.7,
		RiskTolerance:     0.2,
		Description:       "Underbids to protect the balance after losses or volatile returns.",
	},
}

// Personas returns the fixed persona catalogue.
func Personas() []domain.Persona {
	out := make([]domain.Persona, len(catalogue))
	copy(out, catalogue)
	return out
}

// LookupPersona returns the persona with id.
func LookupPersona(id string) (domain.Persona, error) {
	for _, p := range catalogue {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Persona{}, fmt.Errorf("%q: %w", id, domain.ErrUnknownPersona)
}
