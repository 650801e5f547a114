package coach

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// FusionConfig holds the modality weights and the imaging-label taxonomy map.
// The defaults are the observed production values; they are injectable, not
// assumed correct.
type FusionConfig struct {
	TextWeight          float64
	ImagingWeight       float64
	SingleSourcePenalty float64
	// LabelMap maps imaging-model labels onto condition-taxonomy keys.
	// Findings whose label is absent here are dropped with a warning.
	LabelMap map[string]string
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		TextWeight:          0.6,
		ImagingWeight:       0.4,
		SingleSourcePenalty: 0.85,
		LabelMap: map[string]string{
			"Atelectasis":      "atelectasis",
			"Cardiomegaly":     "heart_failure_suspected",
			"Consolidation":    "pneumonia",
			"Edema":            "pulmonary_edema",
			"Lung Opacity":     "pneumonia",
			"Pleural Effusion": "pleural_effusion",
			"Pneumonia":        "pneumonia",
			"Pneumothorax":     "pneumothorax_red_flags",
		},
	}
}

// Fuser combines text-derived candidates and imaging findings into one ranked
// differential. Fuse is a pure function of its inputs: no clock, no
// randomness, bit-identical output for identical input.
type Fuser struct {
	cfg FusionConfig
	log *zap.Logger
}

func NewFuser(cfg FusionConfig, log *zap.Logger) *Fuser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fuser{cfg: cfg, log: log}
}

type fusionEntry struct {
	textScore float64
	imgScore  float64
	hasText   bool
	hasImg    bool
	relevance float64
	evidence  []string
}

// Fuse matches conditions across modalities by exact taxonomy key. A condition
// present in both gets TextWeight*text + ImagingWeight*imaging; a condition in
// a single modality keeps its score scaled by SingleSourcePenalty. Output is
// sorted by combined score descending, ties broken by retrieval relevance then
// lexical condition id.
func (f *Fuser) Fuse(text []CandidateEvidence, imaging []Finding) []RankedCondition {
	entries := make(map[string]*fusionEntry)

	for _, c := range text {
		if c.Condition == "" {
			continue
		}
		e, ok := entries[c.Condition]
		if !ok {
			e = &fusionEntry{}
			entries[c.Condition] = e
		}
		score := clamp01(c.Relevance)
		// Keep the strongest evidence when retrieval returns a condition twice.
		if !e.hasText || score > e.textScore {
			e.textScore = score
			e.relevance = score
		}
		e.hasText = true
		e.evidence = append(e.evidence, c.Snippets...)
	}

	for _, fd := range imaging {
		key, ok := f.cfg.LabelMap[fd.Label]
		if !ok {
			f.log.Warn("dropping imaging finding with no condition mapping",
				zap.String("label", fd.Label))
			continue
		}
		e, okE := entries[key]
		if !okE {
			e = &fusionEntry{}
			entries[key] = e
		}
		p := clamp01(fd.Probability)
		if !e.hasImg || p > e.imgScore {
			e.imgScore = p
		}
		e.hasImg = true
		e.evidence = append(e.evidence, fmt.Sprintf("imaging: %s (%.2f)", fd.Label, p))
	}

	ranked := make([]RankedCondition, 0, len(entries))
	for cond, e := range entries {
		var combined float64
		switch {
		case e.hasText && e.hasImg:
			combined = f.cfg.TextWeight*e.textScore + f.cfg.ImagingWeight*e.imgScore
		case e.hasText:
			combined = e.textScore * f.cfg.SingleSourcePenalty
		default:
			combined = e.imgScore * f.cfg.SingleSourcePenalty
		}
		ranked = append(ranked, RankedCondition{
			Condition:  cond,
			Confidence: clamp01(combined),
			Evidence:   e.evidence,
			relevance:  e.relevance,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		if ranked[i].relevance != ranked[j].relevance {
			return ranked[i].relevance > ranked[j].relevance
		}
		return ranked[i].Condition < ranked[j].Condition
	})
	return ranked
}

// ConfidenceAndMargin returns the top confidence and the top-1/top-2 margin.
// With fewer than two candidates the margin is the top confidence itself.
func ConfidenceAndMargin(ranked []RankedCondition) (top, margin float64) {
	if len(ranked) == 0 {
		return 0, 0
	}
	top = ranked[0].Confidence
	if len(ranked) < 2 {
		return top, top
	}
	margin = top - ranked[1].Confidence
	if margin < 0 {
		margin = 0
	}
	return top, margin
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
