package coach

import (
	"strings"
	"time"
)

type CaseStatus string

const (
	StatusActive        CaseStatus = "active"
	StatusAwaitingInput CaseStatus = "awaiting_input"
	StatusConcluded     CaseStatus = "concluded"
	StatusAborted       CaseStatus = "aborted"
)

// Terminal reports whether a case in this status accepts no further input.
func (s CaseStatus) Terminal() bool {
	return s == StatusConcluded || s == StatusAborted
}

// Utterance is one transcript line. Sequence numbers are assigned per case,
// strictly increasing and gapless.
type Utterance struct {
	Sequence   int64     `json:"sequence"`
	Speaker    string    `json:"speaker,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Vitals holds the numeric vital signs known for a case. Zero values mean
// "not observed", never "measured as zero".
type Vitals struct {
	Systolic  int     `json:"systolic,omitempty"`
	Diastolic int     `json:"diastolic,omitempty"`
	HeartRate int     `json:"heart_rate,omitempty"`
	TempF     float64 `json:"temp_f,omitempty"`
	SpO2      int     `json:"spo2_pct,omitempty"`
}

// Merge overlays the non-zero fields of other on top of v.
func (v Vitals) Merge(other Vitals) Vitals {
	if other.Systolic != 0 {
		v.Systolic = other.Systolic
	}
	if other.Diastolic != 0 {
		v.Diastolic = other.Diastolic
	}
	if other.HeartRate != 0 {
		v.HeartRate = other.HeartRate
	}
	if other.TempF != 0 {
		v.TempF = other.TempF
	}
	if other.SpO2 != 0 {
		v.SpO2 = other.SpO2
	}
	return v
}

// Facts is the structured clinical picture extracted from the transcript so far.
type Facts struct {
	ChiefComplaint string   `json:"chief_complaint"`
	Symptoms       []string `json:"symptoms"`
	Duration       string   `json:"duration,omitempty"`
	History        []string `json:"possible_pmh,omitempty"`
	Medications    []string `json:"possible_meds,omitempty"`
	Vitals         Vitals   `json:"vitals"`
}

// Mentions reports whether term occurs anywhere in the textual facts,
// case-insensitively.
func (f Facts) Mentions(term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(f.ChiefComplaint), term) {
		return true
	}
	for _, groups := range [][]string{f.Symptoms, f.History, f.Medications} {
		for _, s := range groups {
			if strings.Contains(strings.ToLower(s), term) {
				return true
			}
		}
	}
	return false
}

// CandidateEvidence is one retrieval result: a candidate condition with its
// relevance score in [0,1] and the supporting knowledge-base snippets.
type CandidateEvidence struct {
	Condition string   `json:"condition"`
	Relevance float64  `json:"relevance"`
	Snippets  []string `json:"snippets,omitempty"`
}

// Finding is one imaging-model output: a label with a probability in [0,1].
type Finding struct {
	Label       string  `json:"label" validate:"required"`
	Probability float64 `json:"probability" validate:"gte=0,lte=1"`
}

// RankedCondition is one entry of the fused differential.
type RankedCondition struct {
	Condition   string   `json:"condition"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"supporting_evidence,omitempty"`
	RiskFactors []string `json:"risk_factors,omitempty"`

	// relevance is the retrieval relevance used as the first tie-break;
	// it is an input to sorting, not part of the external contract.
	relevance float64
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RedFlagAlert is a safety alert. AlertID is derived deterministically from
// (rule id, condition) so repeated detections collapse to one identity.
type RedFlagAlert struct {
	AlertID           string   `json:"alert_id"`
	Condition         string   `json:"condition,omitempty"`
	Severity          Severity `json:"severity"`
	Trigger           string   `json:"trigger"`
	RecommendedAction string   `json:"recommended_action"`
	Urgency           string   `json:"urgency"`
}

// RiskFactor is a non-urgent risk observation derived from facts and vitals.
type RiskFactor struct {
	Factor      string `json:"factor"`
	Value       string `json:"value"`
	Level       string `json:"risk_level"`
	Description string `json:"description"`
}

// HUDSnapshot is the queryable state of a case at one point in time. It is
// replaced atomically on each processing cycle; NextQuestion and Concluded
// are mutually exclusive.
type HUDSnapshot struct {
	CaseID           string            `json:"case_id"`
	BasedOnSequence  int64             `json:"based_on_sequence"`
	RankedConditions []RankedCondition `json:"ranked_conditions"`
	TopConfidence    float64           `json:"top_confidence"`
	Margin           float64           `json:"margin"`
	Alerts           []RedFlagAlert    `json:"alerts"`
	RiskFactors      []RiskFactor      `json:"risk_factors,omitempty"`
	NextQuestion     string            `json:"next_question,omitempty"`
	Concluded        bool              `json:"concluded"`
	Status           CaseStatus        `json:"status"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// Leader returns the top-ranked condition id, or "" when the differential is empty.
func (s *HUDSnapshot) Leader() string {
	if len(s.RankedConditions) == 0 {
		return ""
	}
	return s.RankedConditions[0].Condition
}

// CaseRecord is the archived form of a finished case.
type CaseRecord struct {
	ID         string       `json:"id"`
	PatientRef string       `json:"patient_ref,omitempty"`
	Status     CaseStatus   `json:"status"`
	Transcript []Utterance  `json:"transcript"`
	Snapshot   *HUDSnapshot `json:"snapshot,omitempty"`
	OpenedAt   time.Time    `json:"opened_at"`
	ClosedAt   time.Time    `json:"closed_at"`
}
