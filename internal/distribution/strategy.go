package distribution

import "github.com/tradenet/referral-engine/internal/model"

// Strategy decides whether an ancestor receives its configured share of a
// trader's fees. The share of an ineligible or missing ancestor rolls into
// the system commission rather than being redistributed.
type Strategy interface {
	// Eligible reports whether the ancestor at the given upline distance
	// may be paid for that distance under the current config.
	Eligible(cfg *model.DistributionConfig, ancestor *model.Member, level int) bool

	// Name identifies the strategy in logs and run summaries.
	Name() string
}

// FullTable pays every ancestor its configured percentage regardless of
// milestone progress.
type FullTable struct{}

func (FullTable) Eligible(_ *model.DistributionConfig, _ *model.Member, _ int) bool { return true }

func (FullTable) Name() string { return "full_table" }

// MilestoneGated pays an ancestor at distance L only if that ancestor has
// unlocked level L itself. Level 1 is always unlocked, so direct sponsors
// are always paid. Disabled milestones open every level for everyone.
type MilestoneGated struct{}

func (MilestoneGated) Eligible(cfg *model.DistributionConfig, ancestor *model.Member, level int) bool {
	if !cfg.Milestones.Enabled {
		return true
	}
	return ancestor.HasLevel(level)
}
func (MilestoneGated) Name() string { return "milestone_gated" }

// StrategyByName returns the strategy for a config name, defaulting to
// MilestoneGated for unrecognized names.
func StrategyByName(name string) Strategy {
	if name == "full_table" {
		return FullTable{}
	}
	return MilestoneGated{}
}
