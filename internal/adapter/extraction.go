package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"clinical-coach/internal/coach"
)

// ExtractionClient calls the LLM-backed extraction service that turns a
// transcript into structured clinical facts plus a retrieval query.
type ExtractionClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewExtractionClient(baseURL string) *ExtractionClient {
	return &ExtractionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type extractRequest struct {
	Utterances []string `json:"utterances"`
}

type extractResponse struct {
	Extracted struct {
		ChiefComplaint string   `json:"chief_complaint"`
		Symptoms       []string `json:"symptoms"`
		Duration       string   `json:"duration"`
		PossiblePMH    []string `json:"possible_pmh"`
		PossibleMeds   []string `json:"possible_meds"`
	} `json:"extracted"`
	RetrievalQuery string `json:"retrieval_query"`
}

func (c *ExtractionClient) Extract(ctx context.Context, transcript []coach.Utterance) (coach.Facts, string, error) {
	lines := make([]string, len(transcript))
	for i, u := range transcript {
		if u.Speaker != "" {
			lines[i] = u.Speaker + ": " + u.Text
		} else {
			lines[i] = u.Text
		}
	}

	body, err := json.Marshal(extractRequest{Utterances: lines})
	if err != nil {
		return coach.Facts{}, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return coach.Facts{}, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coach.Facts{}, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return coach.Facts{}, "", fmt.Errorf("extraction API error: %s - %s", resp.Status, string(respBody))
	}

	var result extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return coach.Facts{}, "", err
	}

	facts := coach.Facts{
		ChiefComplaint: result.Extracted.ChiefComplaint,
		Symptoms:       result.Extracted.Symptoms,
		Duration:       result.Extracted.Duration,
		History:        result.Extracted.PossiblePMH,
		Medications:    result.Extracted.PossibleMeds,
	}

	// Numeric vitals must appear verbatim in the symptoms regardless of what
	// the LLM returned, and the parsed values feed the red-flag rules.
	conversation := strings.Join(lines, "\n")
	facts.Vitals = coach.ParseVitals(conversation)
	for _, token := range coach.BPTokens(conversation) {
		if !containsFold(facts.Symptoms, token) {
			facts.Symptoms = append(facts.Symptoms, token)
		}
	}

	return facts, result.RetrievalQuery, nil
}

func containsFold(items []string, s string) bool {
	for _, it := range items {
		if strings.EqualFold(it, s) {
			return true
		}
	}
	return false
}
