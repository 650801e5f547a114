package coach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alertIDs(alerts []RedFlagAlert) []string {
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.AlertID)
	}
	return ids
}

func TestClassify(t *testing.T) {
	classifier := NewClassifier(DefaultRedFlagConfig())

	t.Run("hypertensive crisis on systolic", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{Systolic: 180, Diastolic: 95}}, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "hypertensive_crisis", alerts[0].AlertID)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
		assert.Equal(t, "within 1 hour", alerts[0].Urgency)
	})

	t.Run("hypertensive crisis on diastolic alone", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{Systolic: 150, Diastolic: 112}}, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "hypertensive_crisis", alerts[0].AlertID)
	})

	t.Run("no crisis just below thresholds", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{Systolic: 179, Diastolic: 109}}, nil)
		assert.Empty(t, alerts)
	})

	t.Run("severe tachycardia above 120", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{HeartRate: 121}}, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "severe_tachycardia", alerts[0].AlertID)
		assert.Equal(t, SeverityHigh, alerts[0].Severity)

		assert.Empty(t, classifier.Classify(Facts{Vitals: Vitals{HeartRate: 120}}, nil))
	})

	t.Run("hypoxia below 90 ignores unmeasured saturation", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{SpO2: 89}}, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "hypoxia", alerts[0].AlertID)
		assert.Equal(t, "immediate", alerts[0].Urgency)

		assert.Empty(t, classifier.Classify(Facts{Vitals: Vitals{SpO2: 0}}, nil))
		assert.Empty(t, classifier.Classify(Facts{Vitals: Vitals{SpO2: 90}}, nil))
	})

	t.Run("high fever above 103", func(t *testing.T) {
		alerts := classifier.Classify(Facts{Vitals: Vitals{TempF: 103.5}}, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "high_fever", alerts[0].AlertID)

		assert.Empty(t, classifier.Classify(Facts{Vitals: Vitals{TempF: 103.0}}, nil))
	})

	t.Run("chest pain with radiation", func(t *testing.T) {
		facts := Facts{
			ChiefComplaint: "Chest pain",
			Symptoms:       []string{"chest pain radiating to left arm"},
		}
		alerts := classifier.Classify(facts, nil)

		require.Len(t, alerts, 1)
		assert.Equal(t, "possible_cardiac_event", alerts[0].AlertID)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)

		assert.Empty(t, classifier.Classify(Facts{Symptoms: []string{"chest pain"}}, nil))
	})

	t.Run("fused critical condition above score in top three", func(t *testing.T) {
		ranked := []RankedCondition{
			{Condition: "pneumonia", Confidence: 0.80},
			{Condition: "pulmonary_embolism_suspected", Confidence: 0.72},
		}
		alerts := classifier.Classify(Facts{}, ranked)

		require.Len(t, alerts, 1)
		assert.Equal(t, "critical_condition_suspected/pulmonary_embolism_suspected", alerts[0].AlertID)
		assert.Equal(t, "pulmonary_embolism_suspected", alerts[0].Condition)
	})

	t.Run("fused critical condition outside top three is ignored", func(t *testing.T) {
		ranked := []RankedCondition{
			{Condition: "a", Confidence: 0.9},
			{Condition: "b", Confidence: 0.89},
			{Condition: "c", Confidence: 0.88},
			{Condition: "stroke_suspected", Confidence: 0.87},
		}
		assert.Empty(t, classifier.Classify(Facts{}, ranked))
	})

	t.Run("fused critical condition needs score above threshold", func(t *testing.T) {
		ranked := []RankedCondition{{Condition: "stroke_suspected", Confidence: 0.70}}
		assert.Empty(t, classifier.Classify(Facts{}, ranked))
	})

	t.Run("multiple rules fire together in stable order", func(t *testing.T) {
		facts := Facts{
			Symptoms: []string{"chest pain radiating to jaw"},
			Vitals:   Vitals{Systolic: 190, HeartRate: 130, SpO2: 85},
		}
		alerts := classifier.Classify(facts, []RankedCondition{
			{Condition: "acute_coronary_syndrome_suspected", Confidence: 0.75},
		})

		assert.Equal(t, []string{
			"hypertensive_crisis",
			"severe_tachycardia",
			"hypoxia",
			"possible_cardiac_event",
			"critical_condition_suspected/acute_coronary_syndrome_suspected",
		}, alertIDs(alerts))
	})

	t.Run("classification is deterministic", func(t *testing.T) {
		facts := Facts{Vitals: Vitals{Systolic: 185, HeartRate: 125}}
		first := classifier.Classify(facts, nil)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, classifier.Classify(facts, nil))
		}
	})
}

func TestAlertID(t *testing.T) {
	assert.Equal(t, "hypoxia", AlertID("hypoxia", ""))
	assert.Equal(t, "critical_condition_suspected/stroke_suspected",
		AlertID("critical_condition_suspected", "stroke_suspected"))
}
