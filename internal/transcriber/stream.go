package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamConfig configures one streaming session.
type StreamConfig struct {
	Language      string
	SampleRate    int
	Encoding      string // negotiated audio MIME type, declared to the service
	OverlapWindow int

	// OnFragment is invoked for every accepted fragment with the updated
	// running transcript. Called from the read goroutine.
	OnFragment func(frag Fragment, running string)
	// OnError is invoked when the connection fails. The client does not
	// retry; the caller decides.
	OnError func(err error)

	Logger *slog.Logger
}

// StreamClient owns the lifetime of one streaming connection to the remote
// transcription service and maintains the reconciled running transcript.
// At most one connection is active per client; Connect after Close starts
// a fresh session.
type StreamClient struct {
	provider   *Provider
	cfg        StreamConfig
	reconciler *Reconciler
	logger     *slog.Logger
	dialer     *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	jobID   string
	ready   bool
	readyCh chan struct{}
	closed  bool
}

// startMessage opens the stream with negotiated parameters.
type startMessage struct {
	Type           string `json:"type"`
	Encoding       string `json:"encoding"`
	Language       string `json:"language"`
	SampleRate     int    `json:"sample_rate"`
	EnablePartials bool   `json:"enable_partials"`
}

// NewStreamClient creates a stream client. Connect must be called before
// audio can be sent.
func NewStreamClient(provider *Provider, cfg StreamConfig) *StreamClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		provider:   provider,
		cfg:        cfg,
		reconciler: NewReconciler(cfg.OverlapWindow),
		logger:     logger,
		dialer:     websocket.DefaultDialer,
		readyCh:    make(chan struct{}),
	}
}

// Connect requests transient credentials, opens the stream and blocks until
// the service confirms the session with a connected message or ctx expires.
// Any failure tears the partial connection down before returning.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: stream already connected", ErrConnection)
	}
	c.closed = false
	c.ready = false
	c.readyCh = make(chan struct{})
	readyCh := c.readyCh
	c.mu.Unlock()

	creds, err := c.provider.Setup(ctx, c.cfg.Language, c.cfg.SampleRate)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, _, err := c.dialer.DialContext(ctx, creds.URL, header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, creds.URL, err)
	}

	start := startMessage{
		Type:           "start",
		Encoding:       c.cfg.Encoding,
		Language:       c.cfg.Language,
		SampleRate:     c.cfg.SampleRate,
		EnablePartials: true,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("%w: start message: %v", ErrConnection, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, readyCh)

	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: no connected confirmation: %v", ErrConnection, ctx.Err())
	}
}

// readLoop consumes control messages until the connection ends. Malformed
// messages are logged and skipped without tearing down the stream. readyCh
// is the channel handed out for this connection; a loop that outlives its
// connection must not signal a later session's channel.
func (c *StreamClient) readLoop(conn *websocket.Conn, readyCh chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.closed
			c.mu.Unlock()
			if !intentional && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("stream read failed", "error", err)
				if c.cfg.OnError != nil {
					c.cfg.OnError(fmt.Errorf("%w: %v", ErrConnection, err))
				}
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("skipping malformed stream message", "error", err)
			continue
		}

		switch msg.Type {
		case "connected":
			c.mu.Lock()
			if c.conn == conn {
				c.jobID = msg.ID
				if !c.ready {
					c.ready = true
					close(readyCh)
				}
			}
			c.mu.Unlock()
			c.logger.Info("transcription stream connected", "job_id", msg.ID)

		case "partial", "final":
			text, confidence := joinElements(msg.Elements)
			if text == "" {
				continue
			}
			kind := KindPartial
			if msg.Type == "final" {
				kind = KindFinal
			}
			frag := Fragment{Kind: kind, Text: text, Confidence: confidence}
			running := c.reconciler.Merge(frag)
			if c.cfg.OnFragment != nil {
				c.cfg.OnFragment(frag, running)
			}

		default:
			c.logger.Debug("ignoring unknown stream message", "type", msg.Type)
		}
	}
}

// SendChunk forwards one binary audio chunk. Chunks are sent in production
// order; the caller serializes calls.
func (c *StreamClient) SendChunk(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.ready {
		return fmt.Errorf("%w: stream not ready", ErrConnection)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: send chunk: %v", ErrConnection, err)
	}
	return nil
}

// EndStream signals that no further audio will be sent. The in-band message
// and the HTTP notification are both attempted; either one reaching the
// service is enough, so this only fails when both paths fail.
func (c *StreamClient) EndStream(ctx context.Context) error {
	// The in-band write shares the connection with SendChunk, so it has to
	// happen under the same lock.
	c.mu.Lock()
	jobID := c.jobID
	var inBandErr error
	if c.conn != nil {
		inBandErr = c.conn.WriteJSON(map[string]string{"type": "end_of_stream"})
	} else {
		inBandErr = fmt.Errorf("stream not connected")
	}
	c.mu.Unlock()

	var notifyErr error
	if jobID != "" {
		notifyErr = c.provider.NotifyEnd(ctx, jobID)
	} else {
		notifyErr = fmt.Errorf("no job id")
	}

	if inBandErr != nil && notifyErr != nil {
		return fmt.Errorf("end-of-stream failed in-band (%v) and out-of-band (%v)", inBandErr, notifyErr)
	}
	if inBandErr != nil {
		c.logger.Warn("in-band end-of-stream failed, backup notification delivered", "error", inBandErr)
	}
	return nil
}

// Transcript returns the current reconciled running transcript.
func (c *StreamClient) Transcript() string {
	return c.reconciler.Text()
}

// JobID returns the session identifier assigned by the service, empty until
// the connected confirmation arrives.
func (c *StreamClient) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Ready reports whether the connected confirmation has been received.
func (c *StreamClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close releases the connection and resets all per-session fields. Safe to
// call from any state; re-entrant close is a no-op.
func (c *StreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed && c.conn == nil {
		return
	}
	c.closed = true

	if c.conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.conn.Close()
		c.conn = nil
	}

	c.jobID = ""
	c.ready = false
	c.reconciler.Reset()
}
