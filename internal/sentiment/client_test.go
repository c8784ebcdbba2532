package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeSentimentService answers the action-based API: submit queues a job,
// status reports processing once then completed, result returns the scores.
type fakeSentimentService struct {
	mu          sync.Mutex
	statusCalls int
	messages    []Message
}

func (f *fakeSentimentService) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Text   string `json:"text"`
		JobID  string `json:"jobId"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	switch req.Action {
	case "submit":
		json.NewEncoder(w).Encode(map[string]string{"jobId": "job-7", "status": "queued"})
	case "status":
		f.mu.Lock()
		f.statusCalls++
		calls := f.statusCalls
		f.mu.Unlock()
		status := "processing"
		if calls >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(map[string]string{"jobId": req.JobID, "status": status})
	case "result":
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": f.messages})
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func TestAnalyzeFullCycle(t *testing.T) {
	svc := &fakeSentimentService{
		messages: []Message{
			{Content: "great start", Score: 0.8},
			{Content: "weak middle", Score: -0.5},
			{Content: "fine ending", Score: 0.1},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(svc.handler))
	defer server.Close()

	client := NewClient(Config{
		Endpoint:     server.URL,
		Threshold:    0.2,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, nil)

	summary, err := client.Analyze(context.Background(), "some speech")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if summary.Positive != 1 || summary.Negative != 1 || summary.Neutral != 1 {
		t.Errorf("counts: got +%d/=%d/-%d", summary.Positive, summary.Neutral, summary.Negative)
	}
	// Average (0.8 - 0.5 + 0.1) / 3 = 0.133, inside the neutral band.
	if summary.Overall != "neutral" {
		t.Errorf("overall: got %q, want neutral", summary.Overall)
	}
	if summary.Messages[0].Sentiment != "positive" {
		t.Errorf("first message label: got %q", summary.Messages[0].Sentiment)
	}
}

func TestSubmitRequiresText(t *testing.T) {
	client := NewClient(Config{Endpoint: "http://unused.invalid"}, nil)
	if _, err := client.Submit(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestAnalyzeFailedJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Action == "submit" {
			json.NewEncoder(w).Encode(map[string]string{"jobId": "job-9", "status": "failed"})
			return
		}
		http.Error(w, "should not be called", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, PollInterval: 10 * time.Millisecond}, nil)
	if _, err := client.Analyze(context.Background(), "text"); err == nil {
		t.Error("expected error for failed job")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.5, "positive"},
		{0.21, "positive"},
		{0.2, "neutral"},
		{0.0, "neutral"},
		{-0.2, "neutral"},
		{-0.21, "negative"},
		{-0.9, "negative"},
	}
	for _, tc := range tests {
		if got := Classify(tc.score, 0.2); got != tc.want {
			t.Errorf("Classify(%v): got %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestSummarizeEmpty(t *testing.T) {
	summary := Summarize(nil, 0.2)
	if summary.Overall != "neutral" {
		t.Errorf("empty summary overall: got %q", summary.Overall)
	}
}
