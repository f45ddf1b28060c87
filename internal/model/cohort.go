package model

import (
	"fmt"
	"time"
)

// PatientID identifies a patient in the source population.
type PatientID int64

// RuleID identifies a clinical rule from the fixed catalog.
type RuleID int

// MatchInterval is one continuous period during which a patient satisfied a
// clinical rule. Intervals are immutable once resolved.
type MatchInterval struct {
	PatientID PatientID `json:"patient_id"`
	RuleID    RuleID    `json:"rule_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Duration returns the length of the interval.
func (m MatchInterval) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// Midpoint returns the temporal midpoint of the interval, used as the
// reference date for positive cases.
func (m MatchInterval) Midpoint() time.Time {
	return m.Start.Add(m.End.Sub(m.Start) / 2)
}

// Sex is the recorded administrative sex of a patient.
type Sex string

const (
	SexFemale  Sex = "F"
	SexMale    Sex = "M"
	SexUnknown Sex = "U"
)

// AgeBin buckets patient age at a reference date.
type AgeBin string

const (
	AgeUnder40 AgeBin = "<40"
	Age40To60  AgeBin = "40-60"
	Age60To75  AgeBin = "60-75"
	AgeOver75  AgeBin = ">75"
)

// CountBin buckets condition and active-prescription counts.
type CountBin string

const (
	CountNone   CountBin = "0"
	CountLow    CountBin = "1-4"
	CountMedium CountBin = "5-9"
	CountHigh   CountBin = "10+"
)

// StratumKey is the composite matching bucket for a patient at a reference
// date. Two patients are matchable iff their keys, computed for the same
// calendar month, are equal. The struct is comparable and used as a map key.
type StratumKey struct {
	Age           AgeBin   `json:"age"`
	Sex           Sex      `json:"sex"`
	Conditions    CountBin `json:"conditions"`
	Prescriptions CountBin `json:"prescriptions"`
}

func (k StratumKey) String() string {
	return fmt.Sprintf("%s/%s/c%s/p%s", k.Age, k.Sex, k.Conditions, k.Prescriptions)
}

// Role distinguishes positive cases from matched controls.
type Role string

const (
	RolePositive Role = "positive"
	RoleNegative Role = "negative"
)

// SampledPatient is the unit of engine output. Intervals and PrimaryRule are
// set only for positives.
type SampledPatient struct {
	PatientID     PatientID       `json:"patient_id"`
	Role          Role            `json:"role"`
	ReferenceDate time.Time       `json:"reference_date"`
	Intervals     []MatchInterval `json:"intervals,omitempty"`
	PrimaryRule   RuleID          `json:"primary_rule,omitempty"`
}

// SampleResult bundles the assembled cohort with its lookup maps and the
// shortfall report for the run.
type SampleResult struct {
	Patients       []SampledPatient        `json:"patients"`
	PrimaryRules   map[PatientID]RuleID    `json:"primary_rules"`
	ReferenceDates map[PatientID]time.Time `json:"reference_dates"`
	Report         ShortfallReport         `json:"report"`
}

// Positives returns the positive cases in assembly order.
func (r *SampleResult) Positives() []SampledPatient {
	return r.byRole(RolePositive)
}

// Negatives returns the matched controls in assembly order.
func (r *SampleResult) Negatives() []SampledPatient {
	return r.byRole(RoleNegative)
}

func (r *SampleResult) byRole(role Role) []SampledPatient {
	var out []SampledPatient
	for _, p := range r.Patients {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}
