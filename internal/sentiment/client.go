// Package sentiment talks to the job-based sentiment collaborator: submit
// text, poll job status, fetch scored messages, and classify the scores.
package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultThreshold is the score magnitude that separates neutral from
// positive/negative. Tunable, not an invariant.
const DefaultThreshold = 0.2

// Job is the metadata the service returns for submit and status actions.
type Job struct {
	ID     string `json:"jobId"`
	Status string `json:"status"`
}

// Message is one scored piece of the analyzed text.
type Message struct {
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	Sentiment string  `json:"sentiment"`
}

// Summary is the classified rollup attached to a session.
type Summary struct {
	Overall  string    `json:"overall"`
	Positive int       `json:"positive"`
	Neutral  int       `json:"neutral"`
	Negative int       `json:"negative"`
	Messages []Message `json:"messages"`
}

// Config contains sentiment client configuration.
type Config struct {
	Endpoint     string
	Threshold    float64
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client is the HTTP client for the sentiment service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// actionRequest is the wire shape of every request: an action plus either
// text (submit) or a job id (status/result).
type actionRequest struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
	JobID  string `json:"jobId,omitempty"`
}

// resultResponse is the wire shape of a completed job's result.
type resultResponse struct {
	Messages []Message `json:"messages"`
}

// NewClient creates a sentiment client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Submit starts an analysis job for the given text.
func (c *Client) Submit(ctx context.Context, text string) (*Job, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	var job Job
	if err := c.do(ctx, actionRequest{Action: "submit", Text: text}, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("submit response missing job id")
	}
	return &job, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, actionRequest{Action: "status", JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Result fetches the scored messages of a completed job.
func (c *Client) Result(ctx context.Context, jobID string) ([]Message, error) {
	var resp resultResponse
	if err := c.do(ctx, actionRequest{Action: "result", JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Analyze runs the full submit/poll/result cycle and classifies the scores.
func (c *Client) Analyze(ctx context.Context, text string) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	job, err := c.Submit(ctx, text)
	if err != nil {
		return nil, err
	}

	for !isTerminal(job.Status) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sentiment job %s timed out: %w", job.ID, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
		job, err = c.Status(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}
	if job.Status == "failed" {
		return nil, fmt.Errorf("sentiment job %s failed", job.ID)
	}

	messages, err := c.Result(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return Summarize(messages, c.cfg.Threshold), nil
}

// Summarize classifies each message score against the threshold and rolls
// the counts up into an overall label.
func Summarize(messages []Message, threshold float64) *Summary {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	summary := &Summary{Messages: messages}
	var total float64
	for i, msg := range messages {
		label := Classify(msg.Score, threshold)
		summary.Messages[i].Sentiment = label
		total += msg.Score
		switch label {
		case "positive":
			summary.Positive++
		case "negative":
			summary.Negative++
		default:
			summary.Neutral++
		}
	}

	if len(messages) == 0 {
		summary.Overall = "neutral"
		return summary
	}
	summary.Overall = Classify(total/float64(len(messages)), threshold)
	return summary
}

// Classify maps a score to a sentiment label using the threshold.
func Classify(score, threshold float64) string {
	switch {
	case score > threshold:
		return "positive"
	case score < -threshold:
		return "negative"
	default:
		return "neutral"
	}
}

func isTerminal(status string) bool {
	return status == "completed" || status == "complete" || status == "done" || status == "failed"
}

func (c *Client) do(ctx context.Context, reqBody actionRequest, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create sentiment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sentiment %s request failed: %w", reqBody.Action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read sentiment response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sentiment %s returned HTTP %d: %s", reqBody.Action, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse sentiment response: %w", err)
	}
	return nil
}
