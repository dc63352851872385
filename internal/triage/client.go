// Package triage talks to the question-answering collaborator and supplies
// the canned responses used when it is unreachable.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/branchline/concierge/internal/logging"
)

// Result is a triage answer for one question.
type Result struct {
	Answer              string `json:"answer"`
	RecommendedNextStep string `json:"recommendedNextStep"`
	// Mode reports whether the backend produced a live answer or served
	// its own degraded response ("live" or "fallback").
	Mode string `json:"mode"`
}

// Client is an HTTP client for the triage endpoint.
type Client struct {
	endpoint string
	client   *http.Client
	log      *logging.Logger
}

// NewClient creates a triage client. An empty endpoint is allowed; Ask will
// fail fast and the caller substitutes a canned response.
func NewClient(endpoint string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.Sub("triage"),
	}
}

type askRequest struct {
	Question string     `json:"question"`
	Context  askContext `json:"context"`
}

type askContext struct {
	Source string `json:"source"`
}

type askResponse struct {
	OK                  bool   `json:"ok"`
	Answer              string `json:"answer"`
	RecommendedNextStep string `json:"recommendedNextStep"`
	Mode                string `json:"mode"`
	Error               string `json:"error"`
}

// Ask submits a question to the triage backend.
func (c *Client) Ask(ctx context.Context, question, source string) (*Result, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("triage endpoint not configured")
	}

	payload, err := json.Marshal(askRequest{
		Question: question,
		Context:  askContext{Source: source},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("triage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed askResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !parsed.OK {
		if parsed.Error != "" {
			return nil, fmt.Errorf("triage error (%d): %s", resp.StatusCode, parsed.Error)
		}
		return nil, fmt.Errorf("triage error (%d)", resp.StatusCode)
	}

	c.log.Debug().Str("mode", parsed.Mode).Msg("triage answer received")

	return &Result{
		Answer:              parsed.Answer,
		RecommendedNextStep: parsed.RecommendedNextStep,
		Mode:                parsed.Mode,
	}, nil
}
