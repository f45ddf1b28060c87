package model

import "time"

// RunStatus represents the current state of a cohort build run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusResolving  RunStatus = "resolving"
	RunStatusAllocating RunStatus = "allocating"
	RunStatusMatching   RunStatus = "matching"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// CohortRequest describes one cohort build: which rules to draw positives
// from, how many positives to sample, interval filters, and the RNG seed.
type CohortRequest struct {
	Name            string     `json:"name,omitempty" yaml:"name"`
	RuleIDs         []RuleID   `json:"rule_ids" yaml:"rules"`
	TotalSize       int        `json:"total_size" yaml:"size"`
	MinDurationDays int        `json:"min_duration_days,omitempty" yaml:"min_duration_days"`
	StartAfter      *time.Time `json:"start_after,omitempty" yaml:"start_after"`
	Seed            int64      `json:"seed" yaml:"seed"`
}

// CohortRun is the persisted record of a cohort build.
type CohortRun struct {
	ID        string           `json:"id"`
	Request   CohortRequest    `json:"request"`
	Status    RunStatus        `json:"status"`
	Report    *ShortfallReport `json:"report,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RuleShortfall carries requested vs achieved counts for one rule's quota.
type RuleShortfall struct {
	RuleID            RuleID `json:"rule_id"`
	Requested         int    `json:"requested"`
	Eligible          int    `json:"eligible"`
	Allocated         int    `json:"allocated"`
	RecoveredSameRule int    `json:"recovered_same_rule,omitempty"`
	RecoveredGlobal   int    `json:"recovered_global,omitempty"`
}

// ShortfallReport aggregates every recoverable shortfall of a run. It is
// returned to the caller rather than raised; only invariant violations are
// surfaced as errors.
type ShortfallReport struct {
	PositiveTarget      int             `json:"positive_target"`
	PositiveAchieved    int             `json:"positive_achieved"`
	NegativeTarget      int             `json:"negative_target"`
	NegativeAchieved    int             `json:"negative_achieved"`
	UnmatchedPositives  int             `json:"unmatched_positives"`
	RejectedFutureDated int             `json:"rejected_future_dated"`
	RecoveredNegatives  int             `json:"recovered_negatives"`
	SkippedRules        []RuleID        `json:"skipped_rules,omitempty"`
	Rules               []RuleShortfall `json:"rules"`
	PopulationSize      int             `json:"population_size,omitempty"`
}

// Complete reports whether the run met both its positive and negative targets.
func (r ShortfallReport) Complete() bool {
	return r.PositiveAchieved == r.PositiveTarget && r.NegativeAchieved == r.NegativeTarget
}
