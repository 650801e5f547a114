package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"clinical-coach/internal/coach"
)

// Client pushes critical red-flag alerts to an on-call webhook (pager bridge,
// chat channel, whatever the deployment wires up).
type Client struct {
	webhookURL string
	httpClient *http.Client
}

func NewClient(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type escalationReq struct {
	CaseID            string `json:"case_id"`
	AlertID           string `json:"alert_id"`
	Condition         string `json:"condition,omitempty"`
	Severity          string `json:"severity"`
	Trigger           string `json:"trigger"`
	RecommendedAction string `json:"recommended_action"`
	Urgency           string `json:"urgency"`
}

func (c *Client) Escalate(ctx context.Context, caseID string, alert coach.RedFlagAlert) error {
	reqBody := escalationReq{
		CaseID:            caseID,
		AlertID:           alert.AlertID,
		Condition:         alert.Condition,
		Severity:          string(alert.Severity),
		Trigger:           alert.Trigger,
		RecommendedAction: alert.RecommendedAction,
		Urgency:           alert.Urgency,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send escalation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var bodyBytes []byte
		if resp.Body != nil {
			bodyBytes, _ = io.ReadAll(resp.Body)
		}
		return fmt.Errorf("escalation webhook returned status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
