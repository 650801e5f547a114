package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clinical-coach/internal/coach"
)

type staticExtractor struct{}

func (staticExtractor) Extract(_ context.Context, transcript []coach.Utterance) (coach.Facts, string, error) {
	return coach.Facts{ChiefComplaint: transcript[0].Text}, transcript[0].Text, nil
}

type staticRetriever struct{}

func (staticRetriever) Retrieve(context.Context, string) ([]coach.CandidateEvidence, error) {
	return []coach.CandidateEvidence{{Condition: "pneumonia", Relevance: 0.5}}, nil
}

func newTestRegistry(t *testing.T) *coach.Registry {
	t.Helper()
	reg := coach.NewRegistry(coach.DefaultOptions(), coach.Deps{
		Extractor: staticExtractor{},
		Retriever: staticRetriever{},
		Logger:    zap.NewNop(),
	})
	t.Cleanup(reg.Shutdown)
	return reg
}

func waitForSequence(t *testing.T, reg *coach.Registry, caseID string, seq int64) coach.HUDSnapshot {
	t.Helper()
	var snap coach.HUDSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = reg.GetSnapshot(caseID)
		return err == nil && snap.BasedOnSequence == seq
	}, 3*time.Second, 10*time.Millisecond)
	return snap
}

func TestHandleTranscript(t *testing.T) {
	log := zap.NewNop()

	t.Run("valid message feeds the case", func(t *testing.T) {
		reg := newTestRegistry(t)
		id := reg.CreateCase("", nil)

		handleTranscript([]byte(`{"case_id":"`+id+`","speaker":"patient","text":"my head hurts"}`), reg, log)

		snap := waitForSequence(t, reg, id, 1)
		assert.Equal(t, "pneumonia", snap.Leader())
	})

	t.Run("malformed and unaddressed messages are dropped", func(t *testing.T) {
		reg := newTestRegistry(t)
		id := reg.CreateCase("", nil)

		handleTranscript([]byte(`{broken`), reg, log)
		handleTranscript([]byte(`{"speaker":"patient","text":"no case id"}`), reg, log)
		handleTranscript([]byte(`{"case_id":"nonexistent","text":"hello"}`), reg, log)

		snap, err := reg.GetSnapshot(id)
		require.NoError(t, err)
		assert.Zero(t, snap.BasedOnSequence)
	})
}

func TestVitalsHandler(t *testing.T) {
	log := zap.NewNop()

	t.Run("staged vitals surface on the next utterance", func(t *testing.T) {
		reg := newTestRegistry(t)
		id := reg.CreateCase("", nil)

		handler := newVitalsHandler(reg, log)
		handler(nil, fakeMessage{
			topic:   "patient-vitals-data-topic",
			payload: []byte(`{"case_id":"` + id + `","systolic":185,"diastolic":115,"heart_rate":125}`),
		})

		require.NoError(t, reg.SubmitUtterance(id, "patient", "feeling dizzy"))
		snap := waitForSequence(t, reg, id, 1)

		ids := make([]string, 0, len(snap.Alerts))
		for _, a := range snap.Alerts {
			ids = append(ids, a.AlertID)
		}
		assert.Contains(t, ids, "hypertensive_crisis")
		assert.Contains(t, ids, "severe_tachycardia")
	})

	t.Run("malformed payload is ignored", func(t *testing.T) {
		reg := newTestRegistry(t)
		id := reg.CreateCase("", nil)

		handler := newVitalsHandler(reg, log)
		handler(nil, fakeMessage{payload: []byte(`not json`)})
		handler(nil, fakeMessage{payload: []byte(`{"systolic":200}`)})

		require.NoError(t, reg.SubmitUtterance(id, "patient", "hello"))
		snap := waitForSequence(t, reg, id, 1)
		assert.Empty(t, snap.Alerts)
	})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
