// Package feedback generates coaching feedback for a spoken response using
// the language-model collaborator.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/speakcoach/speakcoach-server/internal/scenario"
)

const systemInstructions = `You are a speaking coach. The user practiced a speaking scenario and you receive their transcribed response. Reply with strict JSON only, no prose, matching:
{"strengths": ["..."], "improvements": ["..."], "overallFeedback": "..."}
Give 2-4 strengths, 2-4 improvements and a short overall assessment.`

// Result is the structured feedback returned to the user.
type Result struct {
	Strengths       []string `json:"strengths"`
	Improvements    []string `json:"improvements"`
	OverallFeedback string   `json:"overallFeedback"`
}

// Client wraps the chat-completion collaborator.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a feedback client.
func NewClient(apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// Generate requests feedback for a transcription in the context of the
// selected scenario.
func (c *Client) Generate(ctx context.Context, scen scenario.Scenario, transcription string) (*Result, error) {
	if strings.TrimSpace(transcription) == "" {
		return nil, fmt.Errorf("transcription is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstructions},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(scen, transcription)},
		},
		Temperature: 0.4,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("feedback request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("feedback response contained no choices")
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Error("unparseable feedback payload", "error", err)
		return nil, err
	}
	return result, nil
}

// buildPrompt assembles the user prompt, folding in which of the scenario's
// key phrases the speaker covered.
func buildPrompt(scen scenario.Scenario, transcription string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\n", scen.Title)
	if scen.Prompt != "" {
		fmt.Fprintf(&b, "Task given to the speaker: %s\n", scen.Prompt)
	}
	if len(scen.KeyPhrases) > 0 {
		covered := scenario.CoveredPhrases(transcription, scen.KeyPhrases)
		fmt.Fprintf(&b, "Expected talking points: %s\n", strings.Join(scen.KeyPhrases, "; "))
		if len(covered) > 0 {
			fmt.Fprintf(&b, "Talking points the speaker covered: %s\n", strings.Join(covered, "; "))
		} else {
			b.WriteString("Talking points the speaker covered: none\n")
		}
	}
	fmt.Fprintf(&b, "\nTranscribed response:\n%s\n", transcription)
	return b.String()
}

// parseResult decodes the model output, tolerating markdown code fences.
func parseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse feedback JSON: %w", err)
	}
	if result.OverallFeedback == "" && len(result.Strengths) == 0 && len(result.Improvements) == 0 {
		return nil, fmt.Errorf("feedback JSON was empty")
	}
	return &result, nil
}
