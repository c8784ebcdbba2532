// Package capture owns the server side of the microphone stream: format
// negotiation, chunk intake, stall detection and assembly of the full
// recording. The encoder itself runs in the client runtime; this unit
// supervises it and guarantees downstream consumers are never starved.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrDeviceAccess indicates the client has no usable audio track (denied
// permission or no input device). Fatal to the current attempt.
var ErrDeviceAccess = errors.New("microphone unavailable")

// ErrEncodingStall indicates the encoder produced no data and recovery
// failed. Surfaced only when the internal fallbacks are exhausted.
var ErrEncodingStall = errors.New("audio encoder stalled")

// StallAction tells the client what recovery step the watchdog wants.
type StallAction int

const (
	// StallFlush requests a forced chunk emission from the encoder.
	StallFlush StallAction = iota
	// StallRebuild requests tearing down and recreating the encoder with
	// the fallback format.
	StallRebuild
	// StallPlaceholder means recovery gave up; a placeholder chunk was
	// injected so downstream logic keeps moving.
	StallPlaceholder
)

// String returns a log-friendly name for the action.
func (a StallAction) String() string {
	switch a {
	case StallFlush:
		return "flush"
	case StallRebuild:
		return "rebuild"
	case StallPlaceholder:
		return "placeholder"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Chunk is one encoded audio blob with its MIME tag. Ownership transfers to
// the chunk callback on emission.
type Chunk struct {
	Data []byte
	MIME string
}

// Size returns the chunk payload size in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// placeholderChunk is the minimal payload injected when the encoder never
// produces data. 320 zero bytes is 10ms of silence at 16kHz/16-bit.
var placeholderChunk = make([]byte, 320)

// Config configures a capture unit.
type Config struct {
	// Formats is the prioritized list of acceptable encodings.
	Formats []string
	// StallGraces are the escalating watchdog periods. One recovery step
	// fires per entry; the last entry injects the placeholder.
	StallGraces []time.Duration
	// OnChunk receives every chunk, including the injected placeholder.
	OnChunk func(Chunk)
	// OnStall is invoked when the watchdog requests a recovery step.
	OnStall func(action StallAction, fallbackFormat string)
	// OnComplete receives the assembled recording when Stop runs.
	OnComplete func(recording Chunk)
	// OnRelease is invoked exactly once per Start/Stop cycle when the
	// device handle must be let go, regardless of error path.
	OnRelease func()

	Logger *slog.Logger
}

// Unit is a single-recording capture instance. A new recording attempt gets
// a new Unit; reuse after Stop is not supported.
type Unit struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	format     string
	started    bool
	stopped    bool
	stage      int
	generation int
	watchdog   *time.Timer
	recording  []byte
	chunkCount int

	releaseOnce sync.Once
}

// New creates a capture unit.
func New(cfg Config) *Unit {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Unit{cfg: cfg, logger: logger}
}

// Negotiate picks the first server-preferred format the client runtime
// supports. An empty offer means no audio track is available.
func (u *Unit) Negotiate(offered []string) (string, error) {
	if len(offered) == 0 {
		return "", fmt.Errorf("%w: client offered no formats", ErrDeviceAccess)
	}

	for _, want := range u.cfg.Formats {
		for _, have := range offered {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				u.mu.Lock()
				u.format = want
				u.mu.Unlock()
				return want, nil
			}
		}
	}

	// Any compressed format the runtime supports is acceptable as long as
	// it is declared downstream.
	chosen := strings.TrimSpace(offered[0])
	u.mu.Lock()
	u.format = chosen
	u.mu.Unlock()
	return chosen, nil
}

// Format returns the negotiated format, empty before Negotiate.
func (u *Unit) Format() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.format
}

// Start arms the unit and its stall watchdog. Fails with ErrDeviceAccess
// when no format was negotiated.
func (u *Unit) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.format == "" {
		return fmt.Errorf("%w: no negotiated format", ErrDeviceAccess)
	}
	if u.started {
		return fmt.Errorf("capture already started")
	}

	u.started = true
	u.stopped = false
	u.stage = 0
	u.recording = u.recording[:0]
	u.armWatchdogLocked()
	return nil
}

// AddChunk accepts one encoded chunk from the client. Chunks arriving after
// Stop are dropped silently; the stream was already finalized.
func (u *Unit) AddChunk(data []byte) {
	u.mu.Lock()
	if !u.started || u.stopped {
		u.mu.Unlock()
		return
	}
	if len(data) == 0 {
		u.mu.Unlock()
		return
	}

	u.chunkCount++
	u.recording = append(u.recording, data...)
	chunk := Chunk{Data: data, MIME: u.format}

	// Data arrived, so the encoder is healthy again.
	u.stage = 0
	u.armWatchdogLocked()
	u.mu.Unlock()

	if u.cfg.OnChunk != nil {
		u.cfg.OnChunk(chunk)
	}
}

// Stop flushes, emits the accumulated recording via the completion callback
// and releases the device exactly once. Safe to call repeatedly.
func (u *Unit) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	u.generation++
	if u.watchdog != nil {
		u.watchdog.Stop()
		u.watchdog = nil
	}
	recording := Chunk{Data: append([]byte(nil), u.recording...), MIME: u.format}
	u.mu.Unlock()

	if u.cfg.OnComplete != nil {
		u.cfg.OnComplete(recording)
	}
	u.release()
}

// Abort tears the unit down without emitting a recording, for error paths.
// The device release still happens exactly once.
func (u *Unit) Abort() {
	u.mu.Lock()
	u.stopped = true
	u.generation++
	if u.watchdog != nil {
		u.watchdog.Stop()
		u.watchdog = nil
	}
	u.mu.Unlock()

	u.release()
}

// ChunkCount returns how many real chunks arrived.
func (u *Unit) ChunkCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chunkCount
}

// RecordingSize returns the accumulated recording size in bytes.
func (u *Unit) RecordingSize() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.recording)
}

func (u *Unit) release() {
	u.releaseOnce.Do(func() {
		if u.cfg.OnRelease != nil {
			u.cfg.OnRelease()
		}
	})
}

// armWatchdogLocked schedules the next stall check. Caller holds u.mu.
func (u *Unit) armWatchdogLocked() {
	if u.watchdog != nil {
		u.watchdog.Stop()
	}
	if u.stage >= len(u.cfg.StallGraces) {
		return
	}

	grace := u.cfg.StallGraces[u.stage]
	gen := u.generation
	u.watchdog = time.AfterFunc(grace, func() {
		u.onStallTimeout(gen)
	})
}

// onStallTimeout runs one escalation step of the stall watchdog. A stale
// generation means the unit moved on; the fire is discarded.
func (u *Unit) onStallTimeout(gen int) {
	u.mu.Lock()
	if gen != u.generation || u.stopped {
		u.mu.Unlock()
		return
	}

	stage := u.stage
	lastStage := len(u.cfg.StallGraces) - 1
	u.stage++

	var action StallAction
	var fallback string
	switch {
	case stage >= lastStage:
		action = StallPlaceholder
	case stage == 0:
		action = StallFlush
	default:
		action = StallRebuild
		fallback = u.fallbackFormatLocked()
		if fallback != "" {
			u.format = fallback
		}
	}

	if action != StallPlaceholder {
		u.armWatchdogLocked()
	}
	format := u.format
	u.mu.Unlock()

	u.logger.Warn("encoder stall detected",
		"action", action.String(),
		"stage", stage,
		"format", format,
	)

	if action == StallPlaceholder {
		// Recovery failed; keep downstream logic moving with a minimal
		// silent chunk.
		u.mu.Lock()
		u.recording = append(u.recording, placeholderChunk...)
		u.mu.Unlock()
		if u.cfg.OnChunk != nil {
			u.cfg.OnChunk(Chunk{Data: placeholderChunk, MIME: format})
		}
	}

	if u.cfg.OnStall != nil {
		u.cfg.OnStall(action, fallback)
	}
}

// fallbackFormatLocked returns the next format after the current one in the
// priority list. Caller holds u.mu.
func (u *Unit) fallbackFormatLocked() string {
	for i, f := range u.cfg.Formats {
		if strings.EqualFold(f, u.format) && i+1 < len(u.cfg.Formats) {
			return u.cfg.Formats[i+1]
		}
	}
	return ""
}
