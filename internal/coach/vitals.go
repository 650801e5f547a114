package coach

import (
	"regexp"
	"strconv"
)

var (
	bpPattern   = regexp.MustCompile(`(?i)\b(?:bp\s*)?(\d{2,3})/(\d{2,3})\b`)
	hrPattern   = regexp.MustCompile(`(?i)\b(?:hr|heart rate|pulse)\s*(?:is|of|at|:)?\s*(\d{2,3})\b`)
	spo2Pattern = regexp.MustCompile(`(?i)\b(?:spo2|o2 sat|oxygen saturation|sats?)\s*(?:is|of|at|:)?\s*(\d{2,3})\s*%?`)
	tempPattern = regexp.MustCompile(`(?i)\b(?:temp(?:erature)?|fever)\s*(?:is|of|at|:)?\s*(\d{2,3}(?:\.\d)?)\b`)
)

// ParseVitals scans free text for numeric vital signs. It mirrors the
// transcript heuristics of the extraction service so the engine still sees
// vitals when extraction degrades to its fallback output.
func ParseVitals(text string) Vitals {
	var v Vitals
	if m := bpPattern.FindStringSubmatch(text); m != nil {
		sys, _ := strconv.Atoi(m[1])
		dia, _ := strconv.Atoi(m[2])
		// Reject pairs that cannot be a blood pressure reading.
		if sys > dia && sys >= 60 && sys <= 260 && dia >= 30 && dia <= 160 {
			v.Systolic = sys
			v.Diastolic = dia
		}
	}
	if m := hrPattern.FindStringSubmatch(text); m != nil {
		if hr, err := strconv.Atoi(m[1]); err == nil && hr >= 20 && hr <= 300 {
			v.HeartRate = hr
		}
	}
	if m := spo2Pattern.FindStringSubmatch(text); m != nil {
		if sat, err := strconv.Atoi(m[1]); err == nil && sat > 0 && sat <= 100 {
			v.SpO2 = sat
		}
	}
	if m := tempPattern.FindStringSubmatch(text); m != nil {
		if t, err := strconv.ParseFloat(m[1], 64); err == nil && t >= 90 && t <= 110 {
			v.TempF = t
		}
	}
	return v
}

// BPTokens returns the verbatim "bp n/n" tokens found in text, used to make
// sure numeric blood pressures always land in the symptom list.
func BPTokens(text string) []string {
	var out []string
	for _, m := range bpPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, "bp "+m[1]+"/"+m[2])
	}
	return out
}
