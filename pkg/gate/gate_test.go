package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/propstack/billing/pkg/gate"
	"github.com/propstack/billing/pkg/plan"
)

func TestHasFeature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tier    plan.Tier
		feature gate.Feature
		allowed bool
		needs   plan.Tier
	}{
		{"ai agent on basic", plan.TierBasic, gate.FeatureAIAgent, true, ""},
		{"whatsapp blocked on basic", plan.TierBasic, gate.FeatureWhatsApp, false, plan.TierPower},
		{"whatsapp on power", plan.TierPower, gate.FeatureWhatsApp, true, ""},
		{"api blocked on power", plan.TierPower, gate.FeatureAPIAccess, false, plan.TierOmni},
		{"everything on omni", plan.TierOmni, gate.FeaturePrioritySupport, true, ""},
		{"unknown feature denied", plan.TierOmni, gate.Feature("teleport"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := gate.HasFeature(tt.tier, tt.feature)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.needs, d.RequiredPlan)
			if !tt.allowed {
				assert.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestCheckLimit(t *testing.T) {
	t.Parallel()

	limits := plan.Limits{
		MaxProperties:    50,
		MaxTeamMembers:   plan.Unlimited,
		MaxConversations: 200,
	}

	t.Run("under the cap", func(t *testing.T) {
		t.Parallel()

		d := gate.CheckLimit(limits, gate.LimitProperties, 49)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Remaining)
	})

	t.Run("boundary is exclusive at max", func(t *testing.T) {
		t.Parallel()

		d := gate.CheckLimit(limits, gate.LimitProperties, 50)
		assert.False(t, d.Allowed)
		assert.Zero(t, d.Remaining)
		assert.NotEmpty(t, d.Message)
	})

	t.Run("unlimited always passes", func(t *testing.T) {
		t.Parallel()

		for _, current := range []int64{0, 1, 10_000_000} {
			d := gate.CheckLimit(limits, gate.LimitTeamMembers, current)
			assert.True(t, d.Allowed, "current=%d", current)
			assert.Equal(t, plan.Unlimited, d.Remaining)
		}
	})

	t.Run("over the cap", func(t *testing.T) {
		t.Parallel()

		d := gate.CheckLimit(limits, gate.LimitConversations, 250)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(250), d.Current)
		assert.Equal(t, int64(200), d.Max)
	})

	t.Run("unknown limit type fails closed", func(t *testing.T) {
		t.Parallel()

		d := gate.CheckLimit(limits, gate.LimitType("listings"), 0)
		assert.False(t, d.Allowed)
	})
}
