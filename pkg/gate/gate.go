// Package gate answers "is this feature allowed" and "is this limit
// exceeded" for an organization's plan. Everything here is a pure function
// over data the caller already loaded: the same decisions are rendered
// server-side to reject writes and client-side to show upgrade prompts, so
// the logic must be reproducible with no I/O.
package gate

import (
	"fmt"

	"github.com/propstack/billing/pkg/plan"
)

// Feature is a plan-gated product capability.
type Feature string

const (
	FeatureAIAgent         Feature = "ai_agent"
	FeatureWhatsApp        Feature = "whatsapp"
	FeatureCustomBranding  Feature = "custom_branding"
	FeatureAPIAccess       Feature = "api_access"
	FeaturePrioritySupport Feature = "priority_support"
)

// minimumTier maps each feature to the lowest tier that includes it.
var minimumTier = map[Feature]plan.Tier{
	FeatureAIAgent:         plan.TierBasic,
	FeatureWhatsApp:        plan.TierPower,
	FeatureCustomBranding:  plan.TierPower,
	FeatureAPIAccess:       plan.TierOmni,
	FeaturePrioritySupport: plan.TierOmni,
}

// LimitType names a countable resource cap.
type LimitType string

const (
	LimitProperties    LimitType = "properties"
	LimitTeamMembers   LimitType = "team_members"
	LimitConversations LimitType = "conversations"
)

// Decision is the outcome of a feature check.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Message      string    `json:"message,omitempty"`
	RequiredPlan plan.Tier `json:"required_plan,omitempty"`
}

// LimitDecision is the outcome of a limit check.
type LimitDecision struct {
	Allowed   bool   `json:"allowed"`
	Current   int64  `json:"current"`
	Max       int64  `json:"max"`
	Remaining int64  `json:"remaining"` // -1 when unlimited
	Message   string `json:"message,omitempty"`
}

// HasFeature reports whether the tier includes the feature. Unknown
// features are denied without a suggested plan.
func HasFeature(tier plan.Tier, feature Feature) Decision {
	required, ok := minimumTier[feature]
	if !ok {
		return Decision{
			Allowed: false,
			Message: fmt.Sprintf("unknown feature %q", feature),
		}
	}

	if tier.AtLeast(required) {
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed:      false,
		Message:      fmt.Sprintf("feature %q requires the %s plan or higher", feature, required),
		RequiredPlan: required,
	}
}

// CheckLimit evaluates a counted resource against the plan's cap.
// A max of plan.Unlimited always passes; otherwise the boundary is
// exclusive at max (current == max is already over).
func CheckLimit(limits plan.Limits, lt LimitType, current int64) LimitDecision {
	max := limitFor(limits, lt)

	if max == plan.Unlimited {
		return LimitDecision{
			Allowed:   true,
			Current:   current,
			Max:       max,
			Remaining: plan.Unlimited,
		}
	}

	d := LimitDecision{
		Allowed: current < max,
		Current: current,
		Max:     max,
	}
	if remaining := max - current; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.Message = fmt.Sprintf("%s limit reached (%d of %d used)", lt, current, max)
	}
	return d
}

func limitFor(limits plan.Limits, lt LimitType) int64 {
	switch lt {
	case LimitProperties:
		return limits.MaxProperties
	case LimitTeamMembers:
		return limits.MaxTeamMembers
	case LimitConversations:
		return limits.MaxConversations
	default:
		// Unknown limit types fail closed.
		return 0
	}
}
