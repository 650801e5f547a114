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

// RetrievalClient queries the knowledge-base service for ranked candidate
// conditions with supporting snippets.
type RetrievalClient struct {
	baseURL    string
	topK       int
	httpClient *http.Client
}

func NewRetrievalClient(baseURL string, topK int) *RetrievalClient {
	if topK <= 0 {
		topK = 10
	}
	return &RetrievalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		topK:    topK,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveResponse struct {
	Candidates []struct {
		Condition string   `json:"condition"`
		Relevance float64  `json:"relevance"`
		Snippets  []string `json:"snippets"`
	} `json:"candidates"`
}

func (c *RetrievalClient) Retrieve(ctx context.Context, query string) ([]coach.CandidateEvidence, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, TopK: c.topK})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("retrieval API error: %s - %s", resp.Status, string(respBody))
	}

	var result retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	out := make([]coach.CandidateEvidence, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		out = append(out, coach.CandidateEvidence{
			Condition: c.Condition,
			Relevance: c.Relevance,
			Snippets:  c.Snippets,
		})
	}
	return out, nil
}
