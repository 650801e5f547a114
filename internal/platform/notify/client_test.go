package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-coach/internal/coach"
)

func TestEscalate(t *testing.T) {
	alert := coach.RedFlagAlert{
		AlertID:           "hypertensive_crisis",
		Severity:          coach.SeverityCritical,
		Trigger:           "blood pressure 190/120 indicates hypertensive crisis",
		RecommendedAction: "consider emergency evaluation and antihypertensive treatment",
		Urgency:           "within 1 hour",
	}

	t.Run("posts the alert payload", func(t *testing.T) {
		var got escalationReq
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		require.NoError(t, client.Escalate(context.Background(), "case-1", alert))

		assert.Equal(t, "case-1", got.CaseID)
		assert.Equal(t, "hypertensive_crisis", got.AlertID)
		assert.Equal(t, "critical", got.Severity)
		assert.Equal(t, "within 1 hour", got.Urgency)
	})

	t.Run("non-2xx status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "channel archived", http.StatusGone)
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		err := client.Escalate(context.Background(), "case-1", alert)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel archived")
	})
}
