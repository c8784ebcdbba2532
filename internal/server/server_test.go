package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/speakcoach/speakcoach-server/internal/config"
	"github.com/speakcoach/speakcoach-server/internal/scenario"
	"github.com/speakcoach/speakcoach-server/internal/sentiment"
	"github.com/speakcoach/speakcoach-server/internal/transcriber"
)

func testCatalog(t *testing.T) *scenario.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	content := `
scenarios:
  - id: demo
    title: Demo Scenario
    description: A test scenario.
    prompt: Say something.
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	catalog, err := scenario.LoadCatalog(path)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return catalog
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Speech.TokenURL = "http://unused.invalid/setup"
	cfg.Speech.EndURL = "http://unused.invalid/end"
	cfg.Sentiment.Endpoint = "http://unused.invalid/api"

	return New(cfg, Deps{
		Scenarios: testCatalog(t),
		Provider:  transcriber.NewProvider(cfg.Speech.TokenURL, cfg.Speech.EndURL, "key"),
		Sentiment: sentiment.NewClient(sentiment.Config{Endpoint: cfg.Sentiment.Endpoint}, nil),
		Jobs:      sentiment.NewStore(nil, "test:", 0),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d", resp.StatusCode)
	}
}

func TestScenarioListing(t *testing.T) {
	s := newTestServer(t)
	resp := doJSON(t, s, http.MethodGet, "/api/scenarios", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}

	var body struct {
		Scenarios []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"scenarios"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Scenarios) != 1 || body.Scenarios[0].ID != "demo" {
		t.Errorf("unexpected scenarios: %+v", body.Scenarios)
	}
}

func TestFeedbackValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing transcription", map[string]string{"scenarioId": "demo"}, http.StatusBadRequest},
		{"unknown scenario", map[string]string{"scenarioId": "nope", "transcription": "text"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, s, http.MethodPost, "/api/feedback", tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestSentimentValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown action", map[string]string{"action": "explode"}, http.StatusBadRequest},
		{"submit without text", map[string]string{"action": "submit"}, http.StatusBadRequest},
		{"status without job id", map[string]string{"action": "status"}, http.StatusBadRequest},
		{"result without job id", map[string]string{"action": "result"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, s, http.MethodPost, "/api/sentiment", tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestSpeechEndRequiresJobID(t *testing.T) {
	s := newTestServer(t)
	resp := doJSON(t, s, http.MethodPost, "/api/speech/end", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestSessionSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	resp := doJSON(t, s, http.MethodGet, "/ws/session", nil)
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}
