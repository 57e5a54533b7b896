package plan

import (
	"errors"
	"fmt"
)

// Tier identifies a pricing/feature bundle assigned to an organization.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPower Tier = "power"
	TierOmni  Tier = "omni"
)

var ErrUnknownTier = errors.New("plan: unknown tier")

// tierRank orders tiers for upgrade/downgrade and feature gating decisions.
var tierRank = map[Tier]int{
	TierBasic: 0,
	TierPower: 1,
	TierOmni:  2,
}

// ParseTier validates a user-supplied tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t is the same or a higher tier than min.
// Unknown tiers never satisfy a requirement.
func (t Tier) AtLeast(min Tier) bool {
	tr, ok := tierRank[t]
	if !ok {
		return false
	}
	mr, ok := tierRank[min]
	if !ok {
		return false
	}
	return tr >= mr
}

func (t Tier) String() string {
	return string(t)
}
