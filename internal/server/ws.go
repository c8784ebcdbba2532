package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/speakcoach/speakcoach-server/internal/capture"
	"github.com/speakcoach/speakcoach-server/internal/config"
	"github.com/speakcoach/speakcoach-server/internal/session"
	"github.com/speakcoach/speakcoach-server/internal/transcriber"
)

// wsCommand is one control message from the client. Binary frames carry
// audio and never reach this decoder.
type wsCommand struct {
	Type       string   `json:"type"`
	ScenarioID string   `json:"scenarioId"`
	Formats    []string `json:"formats"`
}

// wsSnapshot wraps a state snapshot reply.
type wsSnapshot struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// wsCaptureSettings tells the client how to run its encoder: which formats
// the server accepts, in preference order, and the chunk emission cadence.
type wsCaptureSettings struct {
	Type            string   `json:"type"`
	Formats         []string `json:"formats"`
	ChunkIntervalMs int64    `json:"chunkIntervalMs"`
}

// handleSessionSocket runs one client session over its WebSocket. The
// socket carries JSON control frames and binary audio frames inbound, and
// session updates outbound. Closing the socket tears the session down.
func (s *Server) handleSessionSocket(c *websocket.Conn) {
	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID)

	// Outbound writes come from the session loop, collaborator goroutines
	// and this handler; the connection itself is not concurrency safe.
	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := c.WriteJSON(v); err != nil {
			logger.Debug("session update write failed", "error", err)
		}
	}

	var eventLog *session.EventLogger
	if dir := s.cfg.Session.EventLogDir; dir != "" {
		var err error
		eventLog, err = session.NewEventLogger(dir, sessionID, time.Now())
		if err != nil {
			logger.Warn("event log unavailable", "error", err)
		}
	}

	ctrl := session.NewController(session.Config{
		ID:        sessionID,
		Scenarios: s.deps.Scenarios,
		NewStream: func(encoding string, hooks session.StreamHooks) session.Stream {
			return transcriber.NewStreamClient(s.deps.Provider, transcriber.StreamConfig{
				Language:      s.cfg.Speech.Language,
				SampleRate:    s.cfg.Speech.SampleRate,
				Encoding:      encoding,
				OverlapWindow: s.cfg.Transcript.OverlapWindow,
				OnFragment:    hooks.OnFragment,
				OnError:       hooks.OnError,
				Logger:        logger,
			})
		},
		NewCapture: func(hooks session.CaptureHooks) session.Capture {
			return capture.New(capture.Config{
				Formats:     s.cfg.Capture.Formats,
				StallGraces: config.Durations(s.cfg.Capture.StallGraces),
				OnChunk:     hooks.OnChunk,
				OnStall:     hooks.OnStall,
				OnComplete:  hooks.OnComplete,
				OnRelease:   hooks.OnRelease,
				Logger:      logger,
			})
		},
		Feedback:          s.deps.Feedback,
		Sentiment:         s.deps.Sentiment,
		FinalizeFallbacks: config.Durations(s.cfg.Session.FinalizeFallbacks),
		ConnectTimeout:    s.cfg.Session.ConnectTimeout.Std(),
		OnUpdate:          func(u session.Update) { send(u) },
		EventLog:          eventLog,
		Metrics:           s.deps.Metrics,
		Logger:            logger,
	})
	defer ctrl.Close()

	logger.Info("session socket opened", "remote", c.RemoteAddr().String())
	send(wsCaptureSettings{
		Type:            "captureSettings",
		Formats:         s.cfg.Capture.Formats,
		ChunkIntervalMs: s.cfg.Capture.ChunkInterval.Std().Milliseconds(),
	})
	send(wsSnapshot{Type: "snapshot", Snapshot: ctrl.Snapshot()})

	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("session socket read ended", "error", err)
			}
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			ctrl.AddChunk(data)

		case websocket.TextMessage:
			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				send(session.Update{Type: "error", Error: "invalid command"})
				continue
			}
			s.dispatchCommand(ctrl, cmd, send, logger.With("command", cmd.Type))
		}
	}

	logger.Info("session socket closed")
}

func (s *Server) dispatchCommand(ctrl *session.Controller, cmd wsCommand, send func(interface{}), logger *slog.Logger) {
	switch cmd.Type {
	case "start":
		// Failures already surface as error updates from the session loop.
		if err := ctrl.Start(cmd.ScenarioID, cmd.Formats); err != nil {
			logger.Warn("start rejected", "error", err)
		}
	case "stop":
		ctrl.Stop()
	case "submit":
		ctrl.Submit()
	case "reset":
		ctrl.Reset()
	case "chunk-flushed":
		// Client acknowledging a forced encoder flush; the flushed data
		// itself arrives as a binary frame.
		logger.Debug("encoder flush acknowledged")
	case "snapshot":
		send(wsSnapshot{Type: "snapshot", Snapshot: ctrl.Snapshot()})
	default:
		send(session.Update{Type: "error", Error: "unknown command " + cmd.Type})
	}
}
