package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"clinical-coach/internal/coach"
)

// ImagingClient uploads an image to the chest-imaging model and returns
// labeled findings with probabilities.
type ImagingClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewImagingClient(baseURL string) *ImagingClient {
	return &ImagingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type classifyResponse struct {
	Findings []struct {
		Label       string  `json:"label"`
		Probability float64 `json:"probability"`
	} `json:"findings"`
}

func (c *ImagingClient) Classify(ctx context.Context, image []byte) ([]coach.Finding, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("imaging API error: %s - %s", resp.Status, string(respBody))
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	findings := make([]coach.Finding, 0, len(result.Findings))
	for _, f := range result.Findings {
		findings = append(findings, coach.Finding{Label: f.Label, Probability: f.Probability})
	}
	return findings, nil
}
