package coach

import "sort"

type GateKind int

const (
	DecisionContinue GateKind = iota
	DecisionAsk
	DecisionDone
)

// GateDecision is the gate's verdict for one snapshot. Question is set only
// for DecisionAsk.
type GateDecision struct {
	Kind     GateKind
	Question string
}

// Question priorities, asked in this order: red-flag screening first, then
// distinguishing-symptom questions, then history.
const (
	PriorityRedFlag = iota
	PriorityDistinguishing
	PriorityHistory
)

// Question is one clarifying-question template for a condition.
// EvidenceKey names the fact the question probes; a question whose evidence
// is already present in the facts ranks behind one probing missing evidence.
type Question struct {
	EvidenceKey string
	Text        string
	Priority    int
}

// Gate is the decision policy between asking, concluding and waiting.
// It is stateless; the per-case asked-set is carried by the session.
type Gate struct {
	askThreshold    float64
	marginThreshold float64
	bank            map[string][]Question
}

func NewGate(askThreshold, marginThreshold float64, bank map[string][]Question) *Gate {
	if bank == nil {
		bank = DefaultQuestionBank()
	}
	return &Gate{askThreshold: askThreshold, marginThreshold: marginThreshold, bank: bank}
}

// Decide returns Done iff top confidence and margin both clear their
// thresholds; otherwise Ask with the most valuable unasked question for the
// leading condition; otherwise Continue.
func (g *Gate) Decide(ranked []RankedCondition, top, margin float64, facts Facts, asked map[string]bool) GateDecision {
	if len(ranked) == 0 {
		return GateDecision{Kind: DecisionContinue}
	}
	if top >= g.askThreshold && margin >= g.marginThreshold {
		return GateDecision{Kind: DecisionDone}
	}

	templates := g.bank[ranked[0].Condition]
	if len(templates) == 0 {
		// Leading condition without registered questions: keep listening.
		return GateDecision{Kind: DecisionContinue}
	}

	type scored struct {
		q       Question
		covered bool
		index   int
	}
	candidates := make([]scored, 0, len(templates))
	for i, q := range templates {
		if asked[q.Text] {
			continue
		}
		candidates = append(candidates, scored{q: q, covered: facts.Mentions(q.EvidenceKey), index: i})
	}
	if len(candidates) == 0 {
		return GateDecision{Kind: DecisionContinue}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		// Missing evidence beats already-covered evidence, then clinical
		// priority, then bank order.
		if candidates[i].covered != candidates[j].covered {
			return !candidates[i].covered
		}
		if candidates[i].q.Priority != candidates[j].q.Priority {
			return candidates[i].q.Priority < candidates[j].q.Priority
		}
		return candidates[i].index < candidates[j].index
	})
	return GateDecision{Kind: DecisionAsk, Question: candidates[0].q.Text}
}

// DefaultQuestionBank is the built-in clarifying-question pool keyed by
// condition-taxonomy id.
func DefaultQuestionBank() map[string][]Question {
	return map[string][]Question{
		"hypertension_uncontrolled": {
			{EvidenceKey: "vision", Text: "Any blurred vision or trouble seeing right now?", Priority: PriorityRedFlag},
			{EvidenceKey: "chest pain", Text: "Any chest pain or shortness of breath?", Priority: PriorityRedFlag},
			{EvidenceKey: "headache", Text: "Do you have a headache, and how severe is it?", Priority: PriorityDistinguishing},
			{EvidenceKey: "medication", Text: "Have you been taking your blood pressure medication as prescribed?", Priority: PriorityHistory},
		},
		"pneumonia": {
			{EvidenceKey: "shortness of breath", Text: "Are you short of breath at rest or only on exertion?", Priority: PriorityRedFlag},
			{EvidenceKey: "fever", Text: "Have you measured a fever, and how high?", Priority: PriorityDistinguishing},
			{EvidenceKey: "sputum", Text: "Are you coughing anything up? What color?", Priority: PriorityDistinguishing},
			{EvidenceKey: "smoking", Text: "Do you smoke, or have you smoked in the past?", Priority: PriorityHistory},
		},
		"acute_coronary_syndrome_suspected": {
			{EvidenceKey: "radiating", Text: "Does the pain spread to your arm, jaw, or back?", Priority: PriorityRedFlag},
			{EvidenceKey: "sweating", Text: "Any sweating, nausea, or lightheadedness with the pain?", Priority: PriorityRedFlag},
			{EvidenceKey: "exertion", Text: "Does the pain get worse with activity?", Priority: PriorityDistinguishing},
			{EvidenceKey: "cardiac history", Text: "Any previous heart problems or procedures?", Priority: PriorityHistory},
		},
		"pulmonary_embolism_suspected": {
			{EvidenceKey: "leg swelling", Text: "Any swelling or pain in one leg?", Priority: PriorityRedFlag},
			{EvidenceKey: "sudden", Text: "Did the breathlessness start suddenly or gradually?", Priority: PriorityDistinguishing},
			{EvidenceKey: "travel", Text: "Any long travel, surgery, or immobilization recently?", Priority: PriorityHistory},
		},
		"heart_failure_suspected": {
			{EvidenceKey: "orthopnea", Text: "Do you get breathless lying flat?", Priority: PriorityDistinguishing},
			{EvidenceKey: "swelling", Text: "Any swelling in your ankles or feet?", Priority: PriorityDistinguishing},
			{EvidenceKey: "weight", Text: "Any rapid weight gain over the past week?", Priority: PriorityHistory},
		},
		"copd_exacerbation": {
			{EvidenceKey: "sputum", Text: "Has your sputum changed in amount or color?", Priority: PriorityDistinguishing},
			{EvidenceKey: "inhaler", Text: "Are you using your inhalers more than usual?", Priority: PriorityHistory},
		},
		"pleural_effusion": {
			{EvidenceKey: "pleuritic", Text: "Does it hurt more when you breathe in deeply?", Priority: PriorityDistinguishing},
			{EvidenceKey: "position", Text: "Is the breathlessness worse lying on one side?", Priority: PriorityDistinguishing},
		},
		"pneumothorax_red_flags": {
			{EvidenceKey: "sudden", Text: "Did the chest pain start suddenly, like a pop or tearing?", Priority: PriorityRedFlag},
			{EvidenceKey: "trauma", Text: "Any recent chest injury or procedure?", Priority: PriorityHistory},
		},
	}
}
