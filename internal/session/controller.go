// Package session coordinates one recording attempt: capture start/stop,
// transcript finalization and the hand-off to the feedback and sentiment
// collaborators. All lifecycle state lives here and nowhere else.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/speakcoach/speakcoach-server/internal/capture"
	"github.com/speakcoach/speakcoach-server/internal/feedback"
	"github.com/speakcoach/speakcoach-server/internal/metrics"
	"github.com/speakcoach/speakcoach-server/internal/scenario"
	"github.com/speakcoach/speakcoach-server/internal/sentiment"
	"github.com/speakcoach/speakcoach-server/internal/transcriber"
)

// ErrNoSpeech indicates the attempt produced no transcript text at all.
var ErrNoSpeech = errors.New("no speech detected")

// ErrTranscriptTimeout indicates no final fragment arrived within the
// fallback window and the transcript was promoted from partial text.
var ErrTranscriptTimeout = errors.New("timed out waiting for final transcript")

// State is the session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateRecorded  State = "recorded"
)

// Stream is the transcript stream client as the controller sees it.
type Stream interface {
	Connect(ctx context.Context) error
	SendChunk(data []byte) error
	EndStream(ctx context.Context) error
	Transcript() string
	Close()
}

// Capture is the audio capture unit as the controller sees it.
type Capture interface {
	Negotiate(offered []string) (string, error)
	Start() error
	AddChunk(data []byte)
	Stop()
	Abort()
	ChunkCount() int
}

// FeedbackProvider generates coaching feedback for a transcript.
type FeedbackProvider interface {
	Generate(ctx context.Context, scen scenario.Scenario, transcription string) (*feedback.Result, error)
}

// SentimentProvider scores a transcript's sentiment.
type SentimentProvider interface {
	Analyze(ctx context.Context, text string) (*sentiment.Summary, error)
}

// StreamHooks are the callbacks a stream factory must wire up.
type StreamHooks struct {
	OnFragment func(frag transcriber.Fragment, running string)
	OnError    func(err error)
}

// CaptureHooks are the callbacks a capture factory must wire up.
type CaptureHooks struct {
	OnChunk    func(chunk capture.Chunk)
	OnStall    func(action capture.StallAction, fallbackFormat string)
	OnComplete func(recording capture.Chunk)
	OnRelease  func()
}

// StreamFactory builds a fresh stream client for one recording attempt.
type StreamFactory func(encoding string, hooks StreamHooks) Stream

// CaptureFactory builds a fresh capture unit for one recording attempt.
type CaptureFactory func(hooks CaptureHooks) Capture

// Update is pushed to the UI layer on every externally visible change.
type Update struct {
	Type           string             `json:"type"`
	State          State              `json:"state,omitempty"`
	Transcript     string             `json:"transcript,omitempty"`
	Feedback       *feedback.Result   `json:"feedback,omitempty"`
	Sentiment      *sentiment.Summary `json:"sentiment,omitempty"`
	StallAction    string             `json:"stallAction,omitempty"`
	FallbackFormat string             `json:"fallbackFormat,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Snapshot is the externally visible session state at one instant.
type Snapshot struct {
	State      State              `json:"state"`
	Transcript string             `json:"transcript"`
	Feedback   *feedback.Result   `json:"feedback,omitempty"`
	Sentiment  *sentiment.Summary `json:"sentiment,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Config wires a controller's collaborators.
type Config struct {
	// ID is the session identifier. Generated when empty.
	ID                string
	Scenarios         *scenario.Catalog
	NewStream         StreamFactory
	NewCapture        CaptureFactory
	Feedback          FeedbackProvider
	Sentiment         SentimentProvider
	FinalizeFallbacks []time.Duration // cumulative offsets from entering stopping
	ConnectTimeout    time.Duration
	OnUpdate          func(Update)
	EventLog          *EventLogger
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Controller is the finite-state machine for one client session. A single
// goroutine consumes the event channel; every callback and timer posts an
// event instead of touching state, which keeps ordering and at-most-once
// delivery trivial.
type Controller struct {
	id     string
	cfg    Config
	logger *slog.Logger

	events chan event
	done   chan struct{}

	// Owned exclusively by the run loop.
	state        State
	scen         scenario.Scenario
	stream       Stream
	cap          Capture
	transcript   string
	feedbackRes  *feedback.Result
	sentimentRes *sentiment.Summary
	lastErr      string
	generation   int
	stoppedAt    time.Time
	submitting   bool
	startedAt    time.Time
	summary      *metrics.SessionSummary
}

type event interface{}

type cmdStart struct {
	scenarioID string
	formats    []string
	errc       chan error
}
type cmdStop struct{}
type cmdSubmit struct{}
type cmdReset struct{}
type cmdChunk struct{ data []byte }
type cmdSnapshot struct{ reply chan Snapshot }
type cmdClose struct{}

type evChunk struct{ chunk capture.Chunk }

type evFragment struct {
	frag    transcriber.Fragment
	running string
}
type evStreamError struct{ err error }
type evStall struct {
	action   capture.StallAction
	fallback string
}
type evFallback struct {
	generation int
	stage      int
}
type evFeedback struct {
	generation int
	res        *feedback.Result
	err        error
}
type evSentiment struct {
	generation int
	sum        *sentiment.Summary
	err        error
}

// NewController creates a controller and starts its update loop.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Controller{
		id:     id,
		cfg:    cfg,
		logger: logger.With("session_id", id),
		events: make(chan event, 256),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	go c.run()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Start begins a recording attempt. Blocks until the attempt is either
// recording or has failed back to idle.
func (c *Controller) Start(scenarioID string, formats []string) error {
	errc := make(chan error, 1)
	if !c.post(cmdStart{scenarioID: scenarioID, formats: formats, errc: errc}) {
		return fmt.Errorf("session closed")
	}
	// The loop may exit on a queued close before reaching this command.
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return fmt.Errorf("session closed")
	}
}

// Stop requests finalization of the current recording.
func (c *Controller) Stop() { c.post(cmdStop{}) }

// Submit sends the accumulated transcript to the collaborators.
func (c *Controller) Submit() { c.post(cmdSubmit{}) }

// Reset returns the session to idle from any state, releasing resources.
func (c *Controller) Reset() { c.post(cmdReset{}) }

// AddChunk feeds one encoded audio chunk into the pipeline.
func (c *Controller) AddChunk(data []byte) { c.post(cmdChunk{data: data}) }

// Snapshot returns the current externally visible state.
func (c *Controller) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !c.post(cmdSnapshot{reply: reply}) {
		return Snapshot{State: StateIdle}
	}
	select {
	case snap := <-reply:
		return snap
	case <-c.done:
		return Snapshot{State: StateIdle}
	}
}

// Close tears the session down permanently.
func (c *Controller) Close() {
	c.post(cmdClose{})
}

// post delivers an event to the run loop, failing when the loop has exited.
func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	case c.events <- ev:
		return true
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for ev := range c.events {
		switch e := ev.(type) {
		case cmdStart:
			e.errc <- c.handleStart(e)
		case cmdStop:
			c.handleStop()
		case cmdSubmit:
			c.handleSubmit()
		case cmdReset:
			c.handleReset()
		case cmdChunk:
			if c.cap != nil && c.state == StateRecording {
				c.cap.AddChunk(e.data)
			}
		case cmdSnapshot:
			e.reply <- c.snapshotLocked()
		case cmdClose:
			c.teardown()
			c.cfg.EventLog.Close()
			return
		case evChunk:
			c.handleEmittedChunk(e.chunk)
		case evFragment:
			c.handleFragment(e)
		case evStreamError:
			c.handleStreamError(e.err)
		case evStall:
			c.handleStall(e)
		case evFallback:
			c.handleFallback(e)
		case evFeedback:
			c.handleFeedback(e)
		case evSentiment:
			c.handleSentiment(e)
		}
	}
}

// handleEmittedChunk forwards one capture emission to the stream. Runs on
// the loop goroutine only, so touching stream and summary is safe even for
// watchdog-injected placeholder chunks.
func (c *Controller) handleEmittedChunk(chunk capture.Chunk) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ChunksReceived.Inc()
		c.cfg.Metrics.ChunkBytes.Add(float64(chunk.Size()))
	}
	if c.summary != nil {
		c.summary.AddAudioBytes(chunk.Size())
	}
	if c.stream == nil {
		return
	}
	if err := c.stream.SendChunk(chunk.Data); err != nil {
		c.logger.Warn("chunk forward failed", "error", err)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Transcript: c.transcript,
		Feedback:   c.feedbackRes,
		Sentiment:  c.sentimentRes,
		Error:      c.lastErr,
	}
}

func (c *Controller) pushUpdate(u Update) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(u)
	}
}

func (c *Controller) transition(to State, details map[string]string) {
	from := c.state
	c.state = to
	c.cfg.EventLog.LogTransition(c.id, from, to, details)
	c.pushUpdate(Update{Type: "state", State: to, Transcript: c.transcript, Error: c.lastErr})
}

// handleStart runs idle -> recording: open the stream, wait for its ready
// confirmation, then start capture. Partial resources are torn down on any
// failure before returning to idle.
func (c *Controller) handleStart(cmd cmdStart) error {
	if c.state != StateIdle {
		return fmt.Errorf("cannot start from state %s", c.state)
	}

	scen, ok := c.cfg.Scenarios.Get(cmd.scenarioID)
	if !ok {
		return c.failStart(fmt.Errorf("unknown scenario %q", cmd.scenarioID))
	}
	c.scen = scen

	// Fresh resources for a fresh attempt. Any prior instance was already
	// torn down when the previous attempt left the active states.
	c.teardown()
	c.transcript = ""
	c.feedbackRes = nil
	c.sentimentRes = nil
	c.lastErr = ""
	c.summary = metrics.NewSessionSummary(c.id)

	cap := c.cfg.NewCapture(CaptureHooks{
		OnChunk: func(chunk capture.Chunk) {
			// Fires on the loop goroutine (AddChunk) or a watchdog timer
			// (placeholder injection). Both paths go through the event
			// channel; stream and summary stay loop-owned.
			c.post(evChunk{chunk: chunk})
		},
		OnStall: func(action capture.StallAction, fallbackFormat string) {
			c.post(evStall{action: action, fallback: fallbackFormat})
		},
		OnComplete: func(recording capture.Chunk) {
			c.logger.Info("recording assembled", "bytes", recording.Size(), "mime", recording.MIME)
		},
		OnRelease: func() {
			c.pushUpdate(Update{Type: "release"})
		},
	})

	encoding, err := cap.Negotiate(cmd.formats)
	if err != nil {
		cap.Abort()
		return c.failStart(err)
	}

	stream := c.cfg.NewStream(encoding, StreamHooks{
		OnFragment: func(frag transcriber.Fragment, running string) {
			c.post(evFragment{frag: frag, running: running})
		},
		OnError: func(err error) {
			c.post(evStreamError{err: err})
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	err = stream.Connect(ctx)
	cancel()
	if err != nil {
		stream.Close()
		cap.Abort()
		return c.failStart(err)
	}

	if err := cap.Start(); err != nil {
		stream.Close()
		cap.Abort()
		return c.failStart(err)
	}

	c.stream = stream
	c.cap = cap
	c.startedAt = time.Now()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionsStarted.Inc()
		c.cfg.Metrics.ActiveSessions.Inc()
	}
	c.transition(StateRecording, map[string]string{"scenario": scen.ID, "encoding": encoding})
	return nil
}

func (c *Controller) failStart(err error) error {
	c.lastErr = err.Error()
	c.cfg.EventLog.LogError(c.id, c.state, err.Error())
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionsAborted.Inc()
	}
	c.pushUpdate(Update{Type: "error", State: StateIdle, Error: err.Error()})
	return err
}

// handleStop runs recording -> stopping and arms the finalization fallback
// chain. The chain is keyed to the current generation; any transition
// invalidates it atomically.
func (c *Controller) handleStop() {
	if c.state != StateRecording {
		return
	}

	c.cap.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.stream.EndStream(ctx); err != nil {
		c.logger.Warn("end-of-stream signaling failed", "error", err)
	}
	cancel()

	c.stoppedAt = time.Now()
	c.generation++
	c.transition(StateStopping, nil)
	go c.fallbackChain(c.generation)
}

// fallbackChain posts one evFallback per configured offset. Offsets are
// cumulative from the stopping transition.
func (c *Controller) fallbackChain(generation int) {
	var elapsed time.Duration
	for stage, offset := range c.cfg.FinalizeFallbacks {
		wait := offset - elapsed
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-c.done:
				return
			}
		}
		elapsed = offset
		if !c.post(evFallback{generation: generation, stage: stage}) {
			return
		}
	}
}

func (c *Controller) handleFragment(e evFragment) {
	if c.state != StateRecording && c.state != StateStopping {
		return
	}

	c.transcript = e.running
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FragmentsReceived.WithLabelValues(string(e.frag.Kind)).Inc()
	}
	if c.summary != nil {
		c.summary.AddFragment(e.frag.Text, e.frag.Kind == transcriber.KindFinal)
	}
	c.pushUpdate(Update{Type: "transcript", State: c.state, Transcript: c.transcript})

	if e.frag.Kind == transcriber.KindFinal && c.state == StateStopping {
		c.promote(-1)
	}
}

// promote moves stopping -> recorded. stage is the fallback stage that
// forced it, or -1 when a final fragment arrived in time.
func (c *Controller) promote(stage int) {
	c.generation++ // invalidate the fallback chain

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.FinalTranscriptWait.Observe(time.Since(c.stoppedAt).Seconds())
		c.cfg.Metrics.SessionsCompleted.Inc()
		c.cfg.Metrics.ActiveSessions.Dec()
		c.cfg.Metrics.SessionDuration.Observe(time.Since(c.startedAt).Seconds())
		if stage >= 0 {
			c.cfg.Metrics.FallbackPromotions.WithLabelValues(strconv.Itoa(stage)).Inc()
		}
	}
	if stage >= 0 {
		c.cfg.EventLog.LogPromotion(c.id, stage, stage == len(c.cfg.FinalizeFallbacks)-1)
	}
	if c.summary != nil {
		c.summary.Finalize()
		c.logger.Info("session finalized", "summary", c.summary.String())
	}

	c.releaseResources()
	c.transition(StateRecorded, nil)
}

// handleFallback runs one stage of the escalating finalization fallbacks.
// Stale generations are fires from a chain that a transition already
// cancelled; they are discarded.
func (c *Controller) handleFallback(e evFallback) {
	if e.generation != c.generation || c.state != StateStopping {
		return
	}

	last := len(c.cfg.FinalizeFallbacks) - 1
	switch {
	case e.stage < last-1:
		// Informational check only.
		c.logger.Info("still waiting for final transcript",
			"elapsed", time.Since(c.stoppedAt),
			"have_text", c.transcript != "",
		)
	case e.stage == last-1:
		// Opportunistic: promote if any text exists.
		if c.transcript != "" {
			c.logger.Warn("promoting partial transcript, no final fragment received")
			c.promote(e.stage)
		}
	default:
		// Forced. An empty transcript means the whole attempt produced
		// nothing; that is an error, not a result.
		if c.transcript == "" {
			c.abortToIdle(ErrNoSpeech)
			return
		}
		c.logger.Warn("forced transcript promotion", "reason", ErrTranscriptTimeout)
		c.cfg.EventLog.LogError(c.id, c.state, ErrTranscriptTimeout.Error())
		c.promote(e.stage)
	}
}

func (c *Controller) handleStall(e evStall) {
	if c.state != StateRecording {
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.EncoderStalls.WithLabelValues(e.action.String()).Inc()
	}
	c.pushUpdate(Update{
		Type:           "stall",
		State:          c.state,
		StallAction:    e.action.String(),
		FallbackFormat: e.fallback,
	})
}

func (c *Controller) handleStreamError(err error) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StreamErrors.Inc()
	}
	switch c.state {
	case StateRecording:
		// Fatal to the attempt; no auto-retry.
		c.abortToIdle(fmt.Errorf("transcription connection lost: %w", err))
	case StateStopping:
		// The fallback chain will promote whatever text we already hold.
		c.logger.Warn("stream error while stopping, relying on fallback promotion", "error", err)
	default:
		c.logger.Debug("stream error outside active states", "error", err)
	}
}

// abortToIdle is the terminal escape from recording/stopping on an
// unrecoverable error.
func (c *Controller) abortToIdle(err error) {
	c.generation++
	c.lastErr = err.Error()
	c.cfg.EventLog.LogError(c.id, c.state, err.Error())
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionsAborted.Inc()
		if c.state == StateRecording || c.state == StateStopping {
			c.cfg.Metrics.ActiveSessions.Dec()
		}
	}
	c.teardown()
	c.transition(StateIdle, nil)
	c.pushUpdate(Update{Type: "error", State: StateIdle, Error: c.lastErr})
}

// handleSubmit fans the transcript out to feedback and sentiment. The two
// run concurrently and are joined independently: feedback failure is
// surfaced, sentiment failure just leaves the section absent.
func (c *Controller) handleSubmit() {
	if c.state != StateRecorded {
		c.pushUpdate(Update{Type: "error", State: c.state, Error: fmt.Sprintf("cannot submit from state %s", c.state)})
		return
	}
	if c.transcript == "" {
		c.pushUpdate(Update{Type: "error", State: c.state, Error: "transcript is empty"})
		return
	}
	if c.submitting {
		return
	}
	c.submitting = true

	generation := c.generation
	scen := c.scen
	transcript := c.transcript

	go func() {
		started := time.Now()
		res, err := c.cfg.Feedback.Generate(context.Background(), scen, transcript)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FeedbackDuration.Observe(time.Since(started).Seconds())
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			c.cfg.Metrics.FeedbackRequests.WithLabelValues(outcome).Inc()
		}
		c.post(evFeedback{generation: generation, res: res, err: err})
	}()

	go func() {
		sum, err := c.cfg.Sentiment.Analyze(context.Background(), transcript)
		if c.cfg.Metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			c.cfg.Metrics.SentimentRequests.WithLabelValues(outcome).Inc()
		}
		c.post(evSentiment{generation: generation, sum: sum, err: err})
	}()
}

func (c *Controller) handleFeedback(e evFeedback) {
	if e.generation != c.generation || c.state != StateRecorded {
		return
	}
	c.submitting = false
	if e.err != nil {
		c.lastErr = fmt.Sprintf("feedback failed: %v", e.err)
		c.cfg.EventLog.LogError(c.id, c.state, c.lastErr)
		c.pushUpdate(Update{Type: "error", State: c.state, Error: c.lastErr})
		return
	}
	c.feedbackRes = e.res
	c.pushUpdate(Update{Type: "feedback", State: c.state, Feedback: e.res})
}

func (c *Controller) handleSentiment(e evSentiment) {
	if e.generation != c.generation || c.state != StateRecorded {
		return
	}
	if e.err != nil {
		// Non-fatal: the sentiment section stays absent.
		c.logger.Warn("sentiment analysis failed", "error", e.err)
		return
	}
	c.sentimentRes = e.sum
	c.pushUpdate(Update{Type: "sentiment", State: c.state, Sentiment: e.sum})
}

// handleReset is the try-again path: safe from any state, always lands in
// idle with everything cleared and the device released.
func (c *Controller) handleReset() {
	if c.cfg.Metrics != nil && (c.state == StateRecording || c.state == StateStopping) {
		c.cfg.Metrics.ActiveSessions.Dec()
	}
	c.generation++
	c.teardown()
	c.transcript = ""
	c.feedbackRes = nil
	c.sentimentRes = nil
	c.lastErr = ""
	c.submitting = false
	c.transition(StateIdle, map[string]string{"reason": "reset"})
}

// releaseResources drops capture and stream without clearing result state;
// used when entering recorded, where the transcript must survive.
func (c *Controller) releaseResources() {
	if c.cap != nil {
		c.cap.Abort()
		c.cap = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

// teardown releases owned resources. Idempotent; both the capture unit and
// the stream client tolerate repeated release.
func (c *Controller) teardown() {
	c.releaseResources()
}
