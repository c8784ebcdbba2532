// Package server exposes the HTTP and WebSocket surface: the REST API for
// scenarios, speech credentials and the collaborator proxies, plus the
// per-client session socket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/speakcoach/speakcoach-server/internal/config"
	"github.com/speakcoach/speakcoach-server/internal/metrics"
	"github.com/speakcoach/speakcoach-server/internal/scenario"
	"github.com/speakcoach/speakcoach-server/internal/sentiment"
	"github.com/speakcoach/speakcoach-server/internal/session"
	"github.com/speakcoach/speakcoach-server/internal/transcriber"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Scenarios *scenario.Catalog
	Provider  *transcriber.Provider
	Feedback  session.FeedbackProvider
	Sentiment *sentiment.Client
	Jobs      *sentiment.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the public API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	app    *fiber.App
	logger *slog.Logger
}

// New creates the server and registers all routes.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "speakcoach-server",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		app:    app,
		logger: logger,
	}

	app.Get("/healthz", s.handleHealth)
	app.Get("/api/scenarios", s.handleScenarios)
	app.Post("/api/speech/setup", s.handleSpeechSetup)
	app.Post("/api/speech/end", s.handleSpeechEnd)
	app.Post("/api/feedback", s.handleFeedback)
	app.Post("/api/sentiment", s.handleSentiment)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/session", websocket.New(s.handleSessionSocket))

	return s
}

// Listen serves the public API until Shutdown.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("api server listening", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleScenarios(c *fiber.Ctx) error {
	type scenarioView struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Prompt      string   `json:"prompt"`
		KeyPhrases  []string `json:"keyPhrases,omitempty"`
	}
	all := s.deps.Scenarios.All()
	out := make([]scenarioView, 0, len(all))
	for _, sc := range all {
		out = append(out, scenarioView{
			ID:          sc.ID,
			Title:       sc.Title,
			Description: sc.Description,
			Prompt:      sc.Prompt,
			KeyPhrases:  sc.KeyPhrases,
		})
	}
	return c.JSON(fiber.Map{"scenarios": out})
}

// handleSpeechSetup mints transient stream credentials. Clients never see
// the long-lived speech API key; they get a short-lived token and the
// stream URL.
func (s *Server) handleSpeechSetup(c *fiber.Ctx) error {
	var req struct {
		Language   string `json:"language"`
		SampleRate int    `json:"sampleRate"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "invalid request body")
	}
	if req.Language == "" {
		req.Language = s.cfg.Speech.Language
	}
	if req.SampleRate == 0 {
		req.SampleRate = s.cfg.Speech.SampleRate
	}

	creds, err := s.deps.Provider.Setup(c.Context(), req.Language, req.SampleRate)
	if err != nil {
		s.logger.Error("speech setup failed", "error", err)
		return upstreamError(c, "speech service unavailable")
	}
	return c.JSON(creds)
}

func (s *Server) handleSpeechEnd(c *fiber.Ctx) error {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.JobID == "" {
		return badRequest(c, "jobId is required")
	}

	if err := s.deps.Provider.NotifyEnd(c.Context(), req.JobID); err != nil {
		s.logger.Error("end-of-stream notification failed", "job_id", req.JobID, "error", err)
		return upstreamError(c, "speech service unavailable")
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleFeedback(c *fiber.Ctx) error {
	var req struct {
		ScenarioID    string `json:"scenarioId"`
		Transcription string `json:"transcription"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Transcription == "" {
		return badRequest(c, "transcription is required")
	}

	scen, ok := s.deps.Scenarios.Get(req.ScenarioID)
	if !ok {
		return badRequest(c, fmt.Sprintf("unknown scenario %q", req.ScenarioID))
	}

	result, err := s.deps.Feedback.Generate(c.Context(), scen, req.Transcription)
	if err != nil {
		s.logger.Error("feedback generation failed", "scenario", scen.ID, "error", err)
		return upstreamError(c, "feedback service unavailable")
	}
	return c.JSON(result)
}

// handleSentiment proxies the job-based sentiment API. Submit registers the
// job in the registry; status and result refuse job ids this service never
// issued.
func (s *Server) handleSentiment(c *fiber.Ctx) error {
	var req struct {
		Action    string `json:"action"`
		Text      string `json:"text"`
		JobID     string `json:"jobId"`
		SessionID string `json:"sessionId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	switch req.Action {
	case "submit":
		if req.Text == "" {
			return badRequest(c, "text is required")
		}
		job, err := s.deps.Sentiment.Submit(c.Context(), req.Text)
		if err != nil {
			s.logger.Error("sentiment submit failed", "error", err)
			return upstreamError(c, "sentiment service unavailable")
		}
		if err := s.deps.Jobs.Record(c.Context(), job.ID, req.SessionID); err != nil {
			s.logger.Error("sentiment job registration failed", "job_id", job.ID, "error", err)
		}
		return c.JSON(job)

	case "status":
		if err := s.requireKnownJob(c, req.JobID); err != nil {
			return err
		}
		job, err := s.deps.Sentiment.Status(c.Context(), req.JobID)
		if err != nil {
			s.logger.Error("sentiment status failed", "job_id", req.JobID, "error", err)
			return upstreamError(c, "sentiment service unavailable")
		}
		return c.JSON(job)

	case "result":
		if err := s.requireKnownJob(c, req.JobID); err != nil {
			return err
		}
		messages, err := s.deps.Sentiment.Result(c.Context(), req.JobID)
		if err != nil {
			s.logger.Error("sentiment result failed", "job_id", req.JobID, "error", err)
			return upstreamError(c, "sentiment service unavailable")
		}
		return c.JSON(sentiment.Summarize(messages, s.cfg.Sentiment.Threshold))

	default:
		return badRequest(c, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// requireKnownJob rejects lookups for jobs that were never submitted through
// this service or whose registry entry already expired.
func (s *Server) requireKnownJob(c *fiber.Ctx, jobID string) error {
	if jobID == "" {
		return badRequest(c, "jobId is required")
	}
	known, err := s.deps.Jobs.Known(c.Context(), jobID)
	if err != nil {
		s.logger.Error("sentiment job lookup failed", "job_id", jobID, "error", err)
		return upstreamError(c, "job registry unavailable")
	}
	if !known {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown job"})
	}
	return nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func upstreamError(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": msg})
}
