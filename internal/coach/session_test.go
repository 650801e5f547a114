package coach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type extractorFunc func(ctx context.Context, transcript []Utterance) (Facts, string, error)

func (f extractorFunc) Extract(ctx context.Context, transcript []Utterance) (Facts, string, error) {
	return f(ctx, transcript)
}

type retrieverFunc func(ctx context.Context, query string) ([]CandidateEvidence, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string) ([]CandidateEvidence, error) {
	return f(ctx, query)
}

type classifierFunc func(ctx context.Context, image []byte) ([]Finding, error)

func (f classifierFunc) Classify(ctx context.Context, image []byte) ([]Finding, error) {
	return f(ctx, image)
}

type recordingEscalator struct {
	mu     sync.Mutex
	alerts []RedFlagAlert
}

func (e *recordingEscalator) Escalate(_ context.Context, _ string, alert RedFlagAlert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, alert)
	return nil
}

func (e *recordingEscalator) seen() []RedFlagAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RedFlagAlert(nil), e.alerts...)
}

type recordingArchiver struct {
	records chan CaseRecord
}

func (a *recordingArchiver) ArchiveCase(_ context.Context, record CaseRecord) error {
	a.records <- record
	return nil
}

// transcriptExtractor mirrors what the extraction service produces for a plain
// conversation: the first line as chief complaint, every line as a symptom and
// any numeric vitals parsed out of the text.
func transcriptExtractor() extractorFunc {
	return func(_ context.Context, transcript []Utterance) (Facts, string, error) {
		var b strings.Builder
		facts := Facts{}
		for i, u := range transcript {
			if i == 0 {
				facts.ChiefComplaint = u.Text
			}
			facts.Symptoms = append(facts.Symptoms, u.Text)
			b.WriteString(u.Text)
			b.WriteByte('\n')
		}
		text := b.String()
		facts.Symptoms = append(facts.Symptoms, BPTokens(text)...)
		facts.Vitals = ParseVitals(text)
		return facts, facts.ChiefComplaint, nil
	}
}

func staticRetriever(candidates ...CandidateEvidence) retrieverFunc {
	return func(context.Context, string) ([]CandidateEvidence, error) {
		return candidates, nil
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AdapterTimeout = 2 * time.Second
	opts.IdleTimeout = time.Minute
	opts.GracePeriod = time.Minute
	return opts
}

func newTestRegistry(t *testing.T, opts Options, deps Deps) *Registry {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Extractor == nil {
		deps.Extractor = transcriptExtractor()
	}
	if deps.Retriever == nil {
		deps.Retriever = staticRetriever()
	}
	reg := NewRegistry(opts, deps)
	t.Cleanup(reg.Shutdown)
	return reg
}

func nextEvent(t *testing.T, o *Observer) ObserverEvent {
	t.Helper()
	select {
	case ev, ok := <-o.Events():
		require.True(t, ok, "observer channel closed unexpectedly")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for observer event")
		return ObserverEvent{}
	}
}

func nextSnapshot(t *testing.T, o *Observer) *HUDSnapshot {
	t.Helper()
	ev := nextEvent(t, o)
	require.Equal(t, EventSnapshot, ev.Kind)
	require.NotNil(t, ev.Snapshot)
	return ev.Snapshot
}

func TestSessionPipeline(t *testing.T) {
	t.Run("hypertensive vitals raise an alert without concluding", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{
			Retriever: staticRetriever(
				CandidateEvidence{Condition: "hypertension_uncontrolled", Relevance: 0.55},
				CandidateEvidence{Condition: "pneumonia", Relevance: 0.50},
			),
		})
		id := reg.CreateCase("patient-1", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "my pressure was 178/108 this morning and I feel dizzy"))

		snap := nextSnapshot(t, o)
		assert.Equal(t, int64(1), snap.BasedOnSequence)
		assert.Equal(t, "hypertension_uncontrolled", snap.Leader())
		assert.False(t, snap.Concluded)
		assert.NotEmpty(t, snap.NextQuestion)
		assert.Equal(t, []string{"hypertensive_crisis"}, alertIDs(snap.Alerts))
	})

	t.Run("sequences are gapless and monotonic", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		lines := []string{"I have a cough", "it started three days ago", "it is worse at night"}
		for _, l := range lines {
			require.NoError(t, reg.SubmitUtterance(id, "patient", l))
		}
		for i := range lines {
			snap := nextSnapshot(t, o)
			assert.Equal(t, int64(i+1), snap.BasedOnSequence)
		}
	})

	t.Run("retrieval failure keeps the previous differential", func(t *testing.T) {
		var calls int
		var mu sync.Mutex
		retriever := retrieverFunc(func(context.Context, string) ([]CandidateEvidence, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls > 1 {
				return nil, errors.New("retrieval backend unavailable")
			}
			return []CandidateEvidence{{Condition: "pneumonia", Relevance: 0.6}}, nil
		})
		reg := newTestRegistry(t, testOptions(), Deps{Retriever: retriever})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "coughing for a week"))
		first := nextSnapshot(t, o)
		require.Equal(t, "pneumonia", first.Leader())

		require.NoError(t, reg.SubmitUtterance(id, "patient", "also feeling tired"))
		second := nextSnapshot(t, o)
		assert.Equal(t, int64(2), second.BasedOnSequence)
		assert.Equal(t, first.RankedConditions, second.RankedConditions)
	})

	t.Run("extraction failure keeps previous facts and still retrieves", func(t *testing.T) {
		var calls int
		var mu sync.Mutex
		extractor := extractorFunc(func(_ context.Context, tr []Utterance) (Facts, string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls > 1 {
				return Facts{}, "", errors.New("extraction backend unavailable")
			}
			return Facts{ChiefComplaint: tr[0].Text, Vitals: Vitals{HeartRate: 130}}, tr[0].Text, nil
		})
		reg := newTestRegistry(t, testOptions(), Deps{
			Extractor: extractor,
			Retriever: staticRetriever(CandidateEvidence{Condition: "pneumonia", Relevance: 0.4}),
		})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "racing heart"))
		first := nextSnapshot(t, o)
		require.Equal(t, []string{"severe_tachycardia"}, alertIDs(first.Alerts))

		require.NoError(t, reg.SubmitUtterance(id, "patient", "still racing"))
		second := nextSnapshot(t, o)
		assert.Equal(t, int64(2), second.BasedOnSequence)
		assert.Equal(t, []string{"severe_tachycardia"}, alertIDs(second.Alerts))
	})

	t.Run("strong differential concludes and awaits input", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{
			Retriever: staticRetriever(CandidateEvidence{Condition: "pneumonia", Relevance: 1.0}),
		})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "productive cough with fever of 101"))
		snap := nextSnapshot(t, o)
		assert.True(t, snap.Concluded)
		assert.Empty(t, snap.NextQuestion)
		assert.Equal(t, StatusAwaitingInput, snap.Status)

		// Further input while awaiting confirmation keeps the conclusion.
		require.NoError(t, reg.SubmitUtterance(id, "patient", "anything else you need?"))
		again := nextSnapshot(t, o)
		assert.True(t, again.Concluded)
		assert.Equal(t, int64(2), again.BasedOnSequence)
	})

	t.Run("a new leader reopens a concluded case", func(t *testing.T) {
		var calls int
		var mu sync.Mutex
		retriever := retrieverFunc(func(context.Context, string) ([]CandidateEvidence, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return []CandidateEvidence{{Condition: "pneumonia", Relevance: 1.0}}, nil
			}
			return []CandidateEvidence{
				{Condition: "heart_failure_suspected", Relevance: 0.6},
				{Condition: "pneumonia", Relevance: 0.55},
			}, nil
		})
		reg := newTestRegistry(t, testOptions(), Deps{Retriever: retriever})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "productive cough"))
		first := nextSnapshot(t, o)
		require.True(t, first.Concluded)
		require.Equal(t, StatusAwaitingInput, first.Status)

		require.NoError(t, reg.SubmitUtterance(id, "patient", "my ankles have been swelling too"))
		second := nextSnapshot(t, o)
		assert.Equal(t, "heart_failure_suspected", second.Leader())
		assert.False(t, second.Concluded)
		assert.Equal(t, StatusActive, second.Status)
		assert.Equal(t, "Do you get breathless lying flat?", second.NextQuestion)

		// The asked-set was re-armed for the new leader and advances normally,
		// still preferring evidence the transcript has not covered.
		require.NoError(t, reg.SubmitUtterance(id, "patient", "a little, yes"))
		third := nextSnapshot(t, o)
		assert.Equal(t, "Any rapid weight gain over the past week?", third.NextQuestion)
	})

	t.Run("next question and conclusion never coexist", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{
			Retriever: staticRetriever(
				CandidateEvidence{Condition: "pneumonia", Relevance: 0.72},
				CandidateEvidence{Condition: "copd_exacerbation", Relevance: 0.65},
			),
		})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		for i := 0; i < 6; i++ {
			require.NoError(t, reg.SubmitUtterance(id, "patient", "still coughing"))
			snap := nextSnapshot(t, o)
			if snap.Concluded {
				assert.Empty(t, snap.NextQuestion)
			}
		}
	})

	t.Run("questions are not repeated while the leader holds", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{
			Retriever: staticRetriever(
				CandidateEvidence{Condition: "pneumonia", Relevance: 0.5},
				CandidateEvidence{Condition: "copd_exacerbation", Relevance: 0.48},
			),
		})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		var asked []string
		for i := 0; i < 6; i++ {
			require.NoError(t, reg.SubmitUtterance(id, "patient", "no change"))
			snap := nextSnapshot(t, o)
			if q := snap.NextQuestion; q != "" {
				assert.NotContains(t, asked, q)
				asked = append(asked, q)
			}
		}
		assert.NotEmpty(t, asked)
	})

	t.Run("staged vitals fold into the next cycle", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.UpdateVitals(id, Vitals{SpO2: 87}))
		require.NoError(t, reg.SubmitUtterance(id, "nurse", "patient looks short of breath"))

		snap := nextSnapshot(t, o)
		assert.Equal(t, int64(1), snap.BasedOnSequence)
		assert.Equal(t, []string{"hypoxia"}, alertIDs(snap.Alerts))
	})

	t.Run("seed findings enter the first differential", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", []Finding{{Label: "Pneumothorax", Probability: 0.9}})
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "sudden chest pain"))
		snap := nextSnapshot(t, o)
		require.Equal(t, "pneumothorax_red_flags", snap.Leader())
		assert.InDelta(t, 0.765, snap.TopConfidence, 1e-9)
		assert.Contains(t, alertIDs(snap.Alerts), "critical_condition_suspected/pneumothorax_red_flags")
	})

	t.Run("critical alerts escalate once per transition", func(t *testing.T) {
		esc := &recordingEscalator{}
		reg := newTestRegistry(t, testOptions(), Deps{Escalator: esc})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "my bp reading is 190/120"))
		nextSnapshot(t, o)
		require.NoError(t, reg.SubmitUtterance(id, "patient", "it was 190/120 again just now"))
		nextSnapshot(t, o)

		assert.Eventually(t, func() bool {
			return len(esc.seen()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "hypertensive_crisis", esc.seen()[0].AlertID)
	})

	t.Run("a cleared alert re-escalates when it reappears", func(t *testing.T) {
		// Vitals come from the latest line only, so an utterance without a
		// reading clears the alert condition.
		latestLineExtractor := extractorFunc(func(_ context.Context, tr []Utterance) (Facts, string, error) {
			last := tr[len(tr)-1]
			return Facts{ChiefComplaint: last.Text, Vitals: ParseVitals(last.Text)}, last.Text, nil
		})
		esc := &recordingEscalator{}
		reg := newTestRegistry(t, testOptions(), Deps{Extractor: latestLineExtractor, Escalator: esc})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer o.Close()

		require.NoError(t, reg.SubmitUtterance(id, "nurse", "pressure reading 190/120"))
		first := nextSnapshot(t, o)
		require.Equal(t, []string{"hypertensive_crisis"}, alertIDs(first.Alerts))

		require.NoError(t, reg.SubmitUtterance(id, "patient", "feeling a little calmer now"))
		second := nextSnapshot(t, o)
		require.Empty(t, second.Alerts)

		require.NoError(t, reg.SubmitUtterance(id, "nurse", "it spiked to 192/124 again"))
		third := nextSnapshot(t, o)
		require.Equal(t, []string{"hypertensive_crisis"}, alertIDs(third.Alerts))

		// Absence and reappearance are two transitions, so two escalations.
		assert.Eventually(t, func() bool {
			return len(esc.seen()) == 2
		}, 2*time.Second, 10*time.Millisecond)
		for _, a := range esc.seen() {
			assert.Equal(t, "hypertensive_crisis", a.AlertID)
		}
	})

	t.Run("two subscribers see identical ordered streams", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", nil)
		a, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer a.Close()
		b, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer b.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, reg.SubmitUtterance(id, "patient", "line"))
		}
		for i := 0; i < 3; i++ {
			sa := nextSnapshot(t, a)
			sb := nextSnapshot(t, b)
			assert.Equal(t, int64(i+1), sa.BasedOnSequence)
			assert.Equal(t, sa, sb)
		}
	})

	t.Run("late subscriber is seeded with the current snapshot", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", nil)
		early, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer early.Close()

		require.NoError(t, reg.SubmitUtterance(id, "patient", "headache"))
		want := nextSnapshot(t, early)

		late, err := reg.Subscribe(id)
		require.NoError(t, err)
		defer late.Close()
		assert.Equal(t, want, nextSnapshot(t, late))
	})

	t.Run("slow observer is dropped without a closed event", func(t *testing.T) {
		reg := newTestRegistry(t, testOptions(), Deps{})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)

		total := observerBuffer + 5
		for i := 0; i < total; i++ {
			require.NoError(t, reg.SubmitUtterance(id, "patient", "line"))
		}
		require.Eventually(t, func() bool {
			snap, err := reg.GetSnapshot(id)
			return err == nil && snap.BasedOnSequence == int64(total)
		}, 3*time.Second, 10*time.Millisecond)

		delivered := 0
		closedEvent := false
		for ev := range o.Events() {
			if ev.Kind == EventClosed {
				closedEvent = true
			}
			delivered++
		}
		assert.Equal(t, observerBuffer, delivered)
		assert.False(t, closedEvent)
	})

	t.Run("idle case concludes on its own", func(t *testing.T) {
		opts := testOptions()
		opts.IdleTimeout = 50 * time.Millisecond
		reg := newTestRegistry(t, opts, Deps{})
		id := reg.CreateCase("", nil)
		o, err := reg.Subscribe(id)
		require.NoError(t, err)

		ev := nextEvent(t, o)
		assert.Equal(t, EventClosed, ev.Kind)
		_, ok := <-o.Events()
		assert.False(t, ok)
	})
}
