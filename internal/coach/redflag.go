package coach

import (
	"fmt"
	"sort"
)

// RedFlagConfig holds the rule thresholds. Defaults are the observed clinical
// values; all are overridable through configuration.
type RedFlagConfig struct {
	SystolicCrisis     int
	DiastolicCrisis    int
	TachycardiaHR      int
	HypoxiaSpO2        int
	HighFeverF         float64
	FusedCriticalScore float64
}

func DefaultRedFlagConfig() RedFlagConfig {
	return RedFlagConfig{
		SystolicCrisis:     180,
		DiastolicCrisis:    110,
		TachycardiaHR:      120,
		HypoxiaSpO2:        90,
		HighFeverF:         103,
		FusedCriticalScore: 0.7,
	}
}

// fusedCriticalConditions are differential entries that whenever strongly
// suspected warrant an alert of their own, independent of vitals.
var fusedCriticalConditions = map[string]bool{
	"acute_coronary_syndrome_suspected": true,
	"stroke_suspected":                  true,
	"pulmonary_embolism_suspected":      true,
	"aortic_emergency_red_flags":        true,
	"pneumothorax_red_flags":            true,
}

type ruleFiring struct {
	condition string
	trigger   string
	action    string
}

type rule struct {
	id       string
	severity Severity
	urgency  string
	eval     func(cfg RedFlagConfig, f Facts, ranked []RankedCondition) []ruleFiring
}

// Classifier scans facts, vitals and the fused differential against a fixed
// rule table. Classify is pure: same inputs, bit-identical alerts.
type Classifier struct {
	cfg   RedFlagConfig
	rules []rule
}

func NewClassifier(cfg RedFlagConfig) *Classifier {
	return &Classifier{cfg: cfg, rules: defaultRules}
}

// AlertID derives the deterministic alert identity from (rule id, condition).
func AlertID(ruleID, condition string) string {
	if condition == "" {
		return ruleID
	}
	return ruleID + "/" + condition
}

// Classify applies every rule; a rule fires at most once per
// (rule id, condition) pair per snapshot.
func (c *Classifier) Classify(facts Facts, ranked []RankedCondition) []RedFlagAlert {
	var alerts []RedFlagAlert
	seen := make(map[string]bool)
	for _, r := range c.rules {
		firings := r.eval(c.cfg, facts, ranked)
		// Deterministic order within one rule.
		sort.Slice(firings, func(i, j int) bool { return firings[i].condition < firings[j].condition })
		for _, fr := range firings {
			id := AlertID(r.id, fr.condition)
			if seen[id] {
				continue
			}
			seen[id] = true
			alerts = append(alerts, RedFlagAlert{
				AlertID:           id,
				Condition:         fr.condition,
				Severity:          r.severity,
				Trigger:           fr.trigger,
				RecommendedAction: fr.action,
				Urgency:           r.urgency,
			})
		}
	}
	return alerts
}

var defaultRules = []rule{
	{
		id:       "hypertensive_crisis",
		severity: SeverityCritical,
		urgency:  "within 1 hour",
		eval: func(cfg RedFlagConfig, f Facts, _ []RankedCondition) []ruleFiring {
			v := f.Vitals
			if v.Systolic >= cfg.SystolicCrisis || (v.Diastolic >= cfg.DiastolicCrisis && v.Diastolic > 0) {
				return []ruleFiring{{
					trigger: fmt.Sprintf("blood pressure %d/%d indicates hypertensive crisis", v.Systolic, v.Diastolic),
					action:  "consider emergency evaluation and antihypertensive treatment",
				}}
			}
			return nil
		},
	},
	{
		id:       "severe_tachycardia",
		severity: SeverityHigh,
		urgency:  "within 2 hours",
		eval: func(cfg RedFlagConfig, f Facts, _ []RankedCondition) []ruleFiring {
			if hr := f.Vitals.HeartRate; hr > cfg.TachycardiaHR {
				return []ruleFiring{{
					trigger: fmt.Sprintf("heart rate %d bpm indicates severe tachycardia", hr),
					action:  "ECG and cardiac evaluation recommended",
				}}
			}
			return nil
		},
	},
	{
		id:       "hypoxia",
		severity: SeverityCritical,
		urgency:  "immediate",
		eval: func(cfg RedFlagConfig, f Facts, _ []RankedCondition) []ruleFiring {
			if sat := f.Vitals.SpO2; sat > 0 && sat < cfg.HypoxiaSpO2 {
				return []ruleFiring{{
					trigger: fmt.Sprintf("oxygen saturation %d%% indicates severe hypoxia", sat),
					action:  "immediate oxygen therapy and respiratory evaluation",
				}}
			}
			return nil
		},
	},
	{
		id:       "high_fever",
		severity: SeverityHigh,
		urgency:  "within 4 hours",
		eval: func(cfg RedFlagConfig, f Facts, _ []RankedCondition) []ruleFiring {
			if t := f.Vitals.TempF; t > cfg.HighFeverF {
				return []ruleFiring{{
					trigger: fmt.Sprintf("temperature %.1f°F indicates high fever", t),
					action:  "fever workup and antipyretic treatment",
				}}
			}
			return nil
		},
	},
	{
		id:       "possible_cardiac_event",
		severity: SeverityCritical,
		urgency:  "immediate",
		eval: func(_ RedFlagConfig, f Facts, _ []RankedCondition) []ruleFiring {
			if f.Mentions("chest pain") && f.Mentions("radiating") {
				return []ruleFiring{{
					trigger: "chest pain with radiation reported",
					action:  "immediate ECG, cardiac enzymes, and cardiology consultation",
				}}
			}
			return nil
		},
	},
	{
		id:       "critical_condition_suspected",
		severity: SeverityCritical,
		urgency:  "immediate",
		eval: func(cfg RedFlagConfig, _ Facts, ranked []RankedCondition) []ruleFiring {
			var out []ruleFiring
			for i, rc := range ranked {
				if i >= 3 {
					break
				}
				if fusedCriticalConditions[rc.Condition] && rc.Confidence > cfg.FusedCriticalScore {
					out = append(out, ruleFiring{
						condition: rc.Condition,
						trigger:   fmt.Sprintf("high combined probability (%.2f) of %s", rc.Confidence, rc.Condition),
						action:    "immediate specialist consultation and diagnostic workup",
					})
				}
			}
			return out
		},
	},
}
