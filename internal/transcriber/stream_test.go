package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeSpeech is an in-process stand-in for the remote speech service: a
// token endpoint, an end-of-stream endpoint and the stream socket itself.
type fakeSpeech struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// script holds raw JSON payloads sent right after the connected message.
	script []string

	failSetup bool

	mu       sync.Mutex
	endJobs  []string
	binary   chan []byte
	inBand   chan string
}

func newFakeSpeech(script []string) *fakeSpeech {
	fs := &fakeSpeech{
		script: script,
		binary: make(chan []byte, 16),
		inBand: make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/setup", fs.handleSetup)
	mux.HandleFunc("/end", fs.handleEnd)
	mux.HandleFunc("/stream", fs.handleStream)
	fs.server = httptest.NewServer(mux)
	return fs
}

func (fs *fakeSpeech) Close() { fs.server.Close() }

func (fs *fakeSpeech) streamURL() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http") + "/stream"
}

func (fs *fakeSpeech) handleSetup(w http.ResponseWriter, r *http.Request) {
	if fs.failSetup {
		http.Error(w, "nope", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("Authorization") != "Bearer secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"token": "transient-token",
		"url":   fs.streamURL(),
	})
}

func (fs *fakeSpeech) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	fs.mu.Lock()
	fs.endJobs = append(fs.endJobs, req.JobID)
	fs.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (fs *fakeSpeech) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer transient-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// First frame must be the start message.
	var start startMessage
	if err := conn.ReadJSON(&start); err != nil || start.Type != "start" {
		return
	}

	conn.WriteJSON(map[string]string{"type": "connected", "id": "job-42"})
	for _, payload := range fs.script {
		conn.WriteMessage(websocket.TextMessage, []byte(payload))
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			fs.binary <- data
		case websocket.TextMessage:
			fs.inBand <- string(data)
		}
	}
}

func (fs *fakeSpeech) endedJobs() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.endJobs...)
}

func newTestClient(fs *fakeSpeech, onFragment func(Fragment, string)) *StreamClient {
	provider := NewProvider(fs.server.URL+"/setup", fs.server.URL+"/end", "secret")
	return NewStreamClient(provider, StreamConfig{
		Language:      "en",
		SampleRate:    16000,
		Encoding:      "audio/webm",
		OverlapWindow: 3,
		OnFragment:    onFragment,
	})
}

func waitFragment(t *testing.T, ch <-chan Fragment) Fragment {
	t.Helper()
	select {
	case frag := <-ch:
		return frag
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fragment")
		return Fragment{}
	}
}

func TestStreamClientLifecycle(t *testing.T) {
	fs := newFakeSpeech([]string{
		`{"type":"partial","elements":[{"type":"text","value":"hello"}]}`,
		`{"type":"final","elements":[{"type":"text","value":"hello"},{"type":"text","value":"there"},{"type":"punct","value":"."}]}`,
	})
	defer fs.Close()

	frags := make(chan Fragment, 8)
	client := newTestClient(fs, func(frag Fragment, running string) {
		frags <- frag
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if !client.Ready() {
		t.Error("client should be ready after connect")
	}
	if got := client.JobID(); got != "job-42" {
		t.Errorf("job id: got %q, want %q", got, "job-42")
	}

	first := waitFragment(t, frags)
	if first.Kind != KindPartial || first.Text != "hello" {
		t.Errorf("unexpected first fragment: %+v", first)
	}
	second := waitFragment(t, frags)
	if second.Kind != KindFinal || second.Text != "hello there." {
		t.Errorf("unexpected second fragment: %+v", second)
	}
	if got := client.Transcript(); got != "hello there." {
		t.Errorf("transcript: got %q", got)
	}

	if err := client.SendChunk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	select {
	case data := <-fs.binary:
		if len(data) != 3 {
			t.Errorf("chunk length: got %d, want 3", len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	if err := client.EndStream(ctx); err != nil {
		t.Fatalf("EndStream failed: %v", err)
	}
	select {
	case msg := <-fs.inBand:
		if !strings.Contains(msg, "end_of_stream") {
			t.Errorf("unexpected in-band message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for in-band end-of-stream")
	}
	if jobs := fs.endedJobs(); len(jobs) != 1 || jobs[0] != "job-42" {
		t.Errorf("unexpected end notifications: %v", jobs)
	}
}

func TestStreamClientSkipsMalformedMessages(t *testing.T) {
	fs := newFakeSpeech([]string{
		`this is not json`,
		`{"type":"partial","elements":[{"type":"text","value":"survived"}]}`,
	})
	defer fs.Close()

	frags := make(chan Fragment, 8)
	client := newTestClient(fs, func(frag Fragment, running string) {
		frags <- frag
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	frag := waitFragment(t, frags)
	if frag.Text != "survived" {
		t.Errorf("got %q, want %q", frag.Text, "survived")
	}
}

func TestStreamClientSetupFailure(t *testing.T) {
	fs := newFakeSpeech(nil)
	fs.failSetup = true
	defer fs.Close()

	client := newTestClient(fs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

// TestStreamClientEndStreamDuringSend overlaps EndStream with in-flight
// chunk sends; both write to the same connection and must serialize.
func TestStreamClientEndStreamDuringSend(t *testing.T) {
	fs := newFakeSpeech(nil)
	defer fs.Close()

	// Keep the service reading so chunk writes never back up.
	go func() {
		for range fs.binary {
		}
	}()

	client := newTestClient(fs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := client.SendChunk([]byte{0, 1, 2, 3}); err != nil {
				return
			}
		}
	}()

	if err := client.EndStream(ctx); err != nil {
		t.Fatalf("EndStream failed: %v", err)
	}
	wg.Wait()
}

func TestStreamClientReconnectAfterClose(t *testing.T) {
	fs := newFakeSpeech(nil)
	defer fs.Close()

	client := newTestClient(fs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	client.Close()
	if client.Ready() {
		t.Error("client should not be ready after Close")
	}

	// The first session's read goroutine may still be unwinding; the new
	// connection must get its own readiness signal, not the stale one.
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	defer client.Close()
	if !client.Ready() {
		t.Error("client should be ready after reconnect")
	}
	if got := client.JobID(); got != "job-42" {
		t.Errorf("job id after reconnect: got %q, want %q", got, "job-42")
	}
}

func TestStreamClientSendBeforeConnect(t *testing.T) {
	fs := newFakeSpeech(nil)
	defer fs.Close()

	client := newTestClient(fs, nil)
	if err := client.SendChunk([]byte{1}); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}
