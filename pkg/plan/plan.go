// Package plan holds the static plan catalog: tiers, per-currency prices,
// trial length, and resource limits. Prices are redeployable configuration
// rather than database rows, so a price change ships as a deploy.
package plan

import (
	"errors"
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Unlimited marks a resource without a cap (-1 keeps SQL comparisons simple).
const Unlimited int64 = -1

var (
	ErrInvalidCatalog = errors.New("plan: invalid catalog configuration")
	ErrTierNotFound   = errors.New("plan: tier not found in catalog")
)

// Limits are the countable resource caps a tier grants.
type Limits struct {
	MaxProperties    int64 `yaml:"max_properties"`
	MaxTeamMembers   int64 `yaml:"max_team_members"`
	MaxConversations int64 `yaml:"max_conversations"` // per calendar month
}

// Plan describes a single tier of the catalog.
type Plan struct {
	Tier        Tier             `yaml:"tier"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	TrialDays   int              `yaml:"trial_days"`
	Prices      map[string]int64 `yaml:"prices"` // ISO currency code -> minor units per month
	Limits      Limits           `yaml:"limits"`
}

// Price returns the monthly price in minor units for the given currency.
func (p Plan) Price(code string) (int64, bool) {
	amount, ok := p.Prices[code]
	return amount, ok
}

// FormatPrice renders the monthly price with its currency symbol, falling
// back to "<amount> <code>" for currencies the formatter does not know.
func (p Plan) FormatPrice(code string) string {
	minor, ok := p.Prices[code]
	if !ok {
		return ""
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%.2f %s", float64(minor)/100, code)
	}

	printer := message.NewPrinter(language.English)
	return printer.Sprintf("%v", currency.Symbol(unit.Amount(float64(minor)/100)))
}

// Catalog maps tiers to their plan definitions.
type Catalog map[Tier]Plan

// Get looks up a tier's plan.
func (c Catalog) Get(t Tier) (Plan, error) {
	p, ok := c[t]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrTierNotFound, t)
	}
	return p, nil
}

// Validate checks internal consistency: every defined tier is known, map
// keys match plan tiers, trial lengths are non-negative, and every plan
// carries a price for each supported currency.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: catalog is empty", ErrInvalidCatalog)
	}

	for tier, p := range c {
		if !tier.Valid() {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidCatalog, tier)
		}
		if p.Tier != tier {
			return fmt.Errorf("%w: map key %s != plan tier %s", ErrInvalidCatalog, tier, p.Tier)
		}
		if p.TrialDays < 0 {
			return fmt.Errorf("%w: tier %s has negative trial days", ErrInvalidCatalog, tier)
		}
		for _, code := range SupportedCurrencies {
			if _, ok := p.Prices[code]; !ok {
				return fmt.Errorf("%w: tier %s is missing a %s price", ErrInvalidCatalog, tier, code)
			}
		}
	}

	return nil
}

// SupportedCurrencies are the display currencies every plan must price.
var SupportedCurrencies = []string{"ARS", "USD"}

// Default returns the built-in catalog. Prices are monthly, minor units.
func Default() Catalog {
	return Catalog{
		TierBasic: {
			Tier:        TierBasic,
			Name:        "Basic",
			Description: "Solo agents and small portfolios",
			TrialDays:   14,
			Prices:      map[string]int64{"ARS": 2_900_000, "USD": 2_900},
			Limits: Limits{
				MaxProperties:    50,
				MaxTeamMembers:   3,
				MaxConversations: 200,
			},
		},
		TierPower: {
			Tier:        TierPower,
			Name:        "Power",
			Description: "Growing agencies with a sales team",
			TrialDays:   14,
			Prices:      map[string]int64{"ARS": 7_900_000, "USD": 7_900},
			Limits: Limits{
				MaxProperties:    200,
				MaxTeamMembers:   10,
				MaxConversations: 1_000,
			},
		},
		TierOmni: {
			Tier:        TierOmni,
			Name:        "Omni",
			Description: "Brokerages that outgrew every limit",
			TrialDays:   14,
			Prices:      map[string]int64{"ARS": 19_900_000, "USD": 19_900},
			Limits: Limits{
				MaxProperties:    Unlimited,
				MaxTeamMembers:   Unlimited,
				MaxConversations: Unlimited,
			},
		},
	}
}
