package coach

import (
	"fmt"
	"strings"
)

// AnalyzeRiskFactors derives non-urgent risk observations from facts and
// vitals. These annotate the HUD; anything urgent belongs to the red-flag
// classifier instead.
func AnalyzeRiskFactors(facts Facts) []RiskFactor {
	var out []RiskFactor
	v := facts.Vitals

	if v.Systolic >= 140 || v.Diastolic >= 90 {
		out = append(out, RiskFactor{
			Factor:      "blood_pressure",
			Value:       fmt.Sprintf("%d/%d", v.Systolic, v.Diastolic),
			Level:       "high",
			Description: "elevated blood pressure",
		})
	}
	if v.HeartRate > 100 {
		out = append(out, RiskFactor{
			Factor:      "heart_rate",
			Value:       fmt.Sprintf("%d", v.HeartRate),
			Level:       "moderate",
			Description: "tachycardia",
		})
	} else if v.HeartRate > 0 && v.HeartRate < 60 {
		out = append(out, RiskFactor{
			Factor:      "heart_rate",
			Value:       fmt.Sprintf("%d", v.HeartRate),
			Level:       "low",
			Description: "bradycardia",
		})
	}
	if v.TempF > 100.4 {
		out = append(out, RiskFactor{
			Factor:      "temperature",
			Value:       fmt.Sprintf("%.1f°F", v.TempF),
			Level:       "moderate",
			Description: "fever, possible infection",
		})
	}
	if v.SpO2 > 0 && v.SpO2 < 95 {
		out = append(out, RiskFactor{
			Factor:      "oxygen_saturation",
			Value:       fmt.Sprintf("%d%%", v.SpO2),
			Level:       "moderate",
			Description: "low oxygen saturation",
		})
	}

	for _, cond := range facts.History {
		lower := strings.ToLower(cond)
		for _, term := range []string{"diabetes", "hypertension", "heart", "stroke"} {
			if strings.Contains(lower, term) {
				out = append(out, RiskFactor{
					Factor:      "past_medical_history",
					Value:       cond,
					Level:       "high",
					Description: "history of " + cond + " increases risk for related complications",
				})
				break
			}
		}
	}
	return out
}
