package market

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// MinTuneSamples is the fewest trades Suggest will base a change on.
const MinTuneSamples = 5

// Suggestion is a persona recommendation derived from recent trades.
type Suggestion struct {
	PersonaID string  `json:"persona_id"`
	Current   string  `json:"current"`
	Samples   int     `json:"samples"`
	Mean      float64 `json:"mean_profit"`
	StdDev    float64 `json:"stddev_profit"`
	Reason    string  `json:"reason"`
}

// Changed reports whether the suggestion differs from the active persona.
func (s Suggestion) Changed() bool { return s.PersonaID != s.Current }

// Suggest looks at up to window recent trades and recommends a persona:
// losses on average favour guardian, consistent profits (stddev no larger
// than the mean) favour opportunist, anything else steady.
func (f *Feed) Suggest(window int) (Suggestion, error) {
	current := f.PersonaConfig().ID
	trades, err := f.Trades(window)
	if err != nil {
		return Suggestion{}, err
	}

	s := Suggestion{PersonaID: current, Current: current, Samples: len(trades)}
	if len(trades) < MinTuneSamples {
		s.Reason = fmt.Sprintf("insufficient history (%d < %d trades)", len(trades), MinTuneSamples)
		return s, nil
	}

	profits := make([]float64, len(trades))
	for i, t := range trades {
		profits[i] = t.Profit
	}
	s.Mean, s.StdDev = stat.MeanStdDev(profits, nil)

	switch {
	case s.Mean < 0:
		s.PersonaID = "guardian"
		s.Reason = "average trade is a loss"
	case s.Mean > 0 && s.StdDev <= s.Mean:
		s.PersonaID = "opportunist"
		s.Reason = "profits are consistent"
	default:
		s.PersonaID = "steady"
		s.Reason = "returns are volatile or flat"
	}
	return s, nil
}

// Tune applies Suggest(window) and reports the suggestion it acted on.
func (f *Feed) Tune(window int) (Suggestion, error) {
	s, err := f.Suggest(window)
	if err != nil {
		return s, err
	}
	if s.Changed() {
		if err := f.SetPersona(s.PersonaID); err != nil {
			return s, err
		}
	}
	return s, nil
}
