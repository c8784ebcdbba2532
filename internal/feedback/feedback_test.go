package feedback

import (
	"strings"
	"testing"

	"github.com/speakcoach/speakcoach-server/internal/scenario"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			"plain json",
			`{"strengths":["clear"],"improvements":["pace"],"overallFeedback":"good"}`,
			false,
		},
		{
			"json code fence",
			"```json\n{\"strengths\":[\"clear\"],\"improvements\":[],\"overallFeedback\":\"ok\"}\n```",
			false,
		},
		{
			"bare code fence",
			"```\n{\"overallFeedback\":\"ok\"}\n```",
			false,
		},
		{"not json", "sorry, I cannot do that", true},
		{"empty object", "{}", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := parseResult(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Error("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResult failed: %v", err)
			}
			if result.OverallFeedback == "" && len(result.Strengths) == 0 {
				t.Error("parsed result is empty")
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	scen := scenario.Scenario{
		ID:         "order",
		Title:      "Ordering at a Restaurant",
		Prompt:     "Order a meal.",
		KeyPhrases: []string{"I would like", "the bill"},
	}

	prompt := buildPrompt(scen, "I would like a coffee")

	if !strings.Contains(prompt, "Ordering at a Restaurant") {
		t.Error("prompt should name the scenario")
	}
	if !strings.Contains(prompt, "Talking points the speaker covered: I would like") {
		t.Errorf("prompt should list covered phrases, got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "I would like a coffee") {
		t.Error("prompt should include the transcription")
	}
}

func TestBuildPromptNoCoverage(t *testing.T) {
	scen := scenario.Scenario{
		Title:      "Demo",
		KeyPhrases: []string{"something specific"},
	}
	prompt := buildPrompt(scen, "completely unrelated words")
	if !strings.Contains(prompt, "Talking points the speaker covered: none") {
		t.Errorf("prompt should state no coverage, got:\n%s", prompt)
	}
}
