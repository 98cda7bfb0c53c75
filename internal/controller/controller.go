// Package controller owns one lecture session at a time. It wires the
// capturer into the pipeline, the pipeline into the player, and keeps the
// accumulated transcript, script, logs and metrics the host UI reads.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/bus"
	"github.com/loqalabs/loqa-lector/internal/capture"
	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/eventstore"
	"github.com/loqalabs/loqa-lector/internal/llm"
	"github.com/loqalabs/loqa-lector/internal/persona"
	"github.com/loqalabs/loqa-lector/internal/pipeline"
	"github.com/loqalabs/loqa-lector/internal/playback"
	"github.com/loqalabs/loqa-lector/internal/stt"
	"github.com/loqalabs/loqa-lector/internal/tts"
)

type State string

const (
	StateIdle           State = "idle"
	StateRecording      State = "recording"
	StateProcessingFile State = "processingFile"
)

const historyLimit = 1000

// Components are the devices and backends a controller drives. Journal and
// Bus may be nil.
type Components struct {
	Source      capture.Source
	Transcriber stt.Transcriber
	Enhancer    llm.Enhancer
	Speaker     tts.Speaker
	Output      playback.Output
	Decoder     audio.Decoder
	Journal     *eventstore.Store
	Bus         *bus.Client
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Snapshot is the host-facing view of the session.
type Snapshot struct {
	SessionID     string        `json:"session_id,omitempty"`
	State         State         `json:"state"`
	Recording     bool          `json:"recording"`
	Transcript    string        `json:"transcript"`
	Script        string        `json:"script"`
	QueueDepth    int           `json:"queue_depth"`
	BufferDepth   int           `json:"buffer_depth"`
	Playing       bool          `json:"playing"`
	Persona       string        `json:"persona"`
	Mode          playback.Mode `json:"mode"`
	ForegroundVol float64       `json:"foreground_gain"`
	BackgroundVol float64       `json:"background_gain"`
}

type Controller struct {
	logger          *slog.Logger
	capturer        *capture.Capturer
	pipeline        *pipeline.Pipeline
	player          *playback.Player
	decoder         audio.Decoder
	journal         *eventstore.Store
	bus             *bus.Client
	format          audio.Format
	chunkDuration   time.Duration
	interChunkDelay time.Duration
	gauges          *gauges

	// ctx bounds device and feeding goroutines. Request contexts never do.
	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes control operations. It is never held while a hook
	// runs, and mu is never held while waiting on a pipeline, player or
	// capturer.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	sessionID  string
	persona    string
	transcript string
	script     string
	logs       []LogEntry
	metrics    []pipeline.Metric
	fileCancel context.CancelFunc
	fileDone   chan struct{}
}

func New(parent context.Context, cfg config.Config, comps Components, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		logger:          logger.With(slog.String("component", "controller")),
		decoder:         comps.Decoder,
		journal:         comps.Journal,
		bus:             comps.Bus,
		format:          audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels},
		chunkDuration:   time.Duration(cfg.Capture.ChunkDurationMS) * time.Millisecond,
		interChunkDelay: time.Duration(cfg.Simulation.InterChunkDelayMS) * time.Millisecond,
		ctx:             ctx,
		cancel:          cancel,
		state:           StateIdle,
		persona:         persona.Lookup(cfg.Persona.Default).ID,
	}
	if c.interChunkDelay <= 0 {
		c.interChunkDelay = c.chunkDuration
	}

	c.pipeline = pipeline.New(ctx, cfg.Pipeline, comps.Transcriber, comps.Enhancer, comps.Speaker, pipeline.Hooks{
		OnTranscript: c.onTranscript,
		OnScript:     c.onScript,
		OnSpeech:     c.onSpeech,
		OnMetric:     c.onMetric,
		OnLog:        c.addLog,
	}, logger)
	c.pipeline.SetPersona(c.persona)

	c.player = playback.NewPlayer(comps.Output, comps.Decoder,
		time.Duration(cfg.Playback.PollIntervalMS)*time.Millisecond,
		time.Duration(cfg.Playback.RampMS)*time.Millisecond,
		playback.Hooks{OnLog: c.addLog, OnStatus: c.onPlaybackStatus},
		logger)

	c.capturer = capture.New(comps.Source, c.format, c.chunkDuration, logger)
	c.capturer.OnChunk(c.onSegment)

	g, err := newGauges(c.pipeline, c.player)
	if err != nil {
		c.logger.Warn("controller gauges unavailable", slogError(err))
	}
	c.gauges = g
	return c
}

// Start begins a live recording session. Device errors are returned and
// leave the controller idle with nothing acquired.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", lector.ErrBusy, state)
	}
	c.mu.Unlock()

	sessionID := c.beginSession(ctx, "live")

	if err := c.player.Start(c.ctx); err != nil {
		c.abort(sessionID, err)
		return fmt.Errorf("start playback: %w", err)
	}
	if err := c.capturer.Start(c.ctx); err != nil {
		c.player.Stop()
		c.abort(sessionID, err)
		return fmt.Errorf("start capture: %w", err)
	}

	c.mu.Lock()
	c.state = StateRecording
	c.mu.Unlock()
	c.addLog("🎙️ Recording started")
	c.publishState()
	return nil
}

// Stop ends whatever activity is running and drops pending pipeline work.
// Accumulated transcript and script survive until Reset.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	c.mu.Lock()
	wasActive := c.state != StateIdle
	cancel, done := c.fileCancel, c.fileDone
	c.fileCancel, c.fileDone = nil, nil
	c.state = StateIdle
	sessionID := c.sessionID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.capturer.Stop()
	// Reset first so no result of this session can reach the player once it stops.
	c.pipeline.Reset()
	c.player.Stop()

	if sessionID != "" {
		if err := c.journal.EndSession(c.ctx, sessionID); err != nil {
			c.logger.Warn("failed to close session", slog.String("session_id", sessionID), slogError(err))
		}
	}
	if wasActive {
		c.addLog("⏹️ Stopped")
		c.publishState()
	}
}

// Reset stops the session and clears accumulated text.
func (c *Controller) Reset() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
	c.mu.Lock()
	c.transcript = ""
	c.script = ""
	c.mu.Unlock()
	c.addLog("🔄 Reset")
	c.publishState()
}

// Close stops the session and releases every resource.
func (c *Controller) Close() {
	c.Stop()
	c.pipeline.Close()
	c.gauges.unregister()
	c.cancel()
}

// SetPersona switches the persona used by subsequent enhancement and
// synthesis calls. Unknown ids resolve to the default persona.
func (c *Controller) SetPersona(id string) persona.Persona {
	p := persona.Lookup(id)
	c.pipeline.SetPersona(p.ID)
	c.mu.Lock()
	c.persona = p.ID
	c.mu.Unlock()
	c.addLog(fmt.Sprintf("🎭 Persona set to %s", p.DisplayName))
	return p
}

func (c *Controller) SetPlaybackMode(mode string) error {
	m, err := playback.ParseMode(mode)
	if err != nil {
		return err
	}
	c.player.SetMode(m)
	c.addLog(fmt.Sprintf("🎚️ Playback mode %s", m))
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		SessionID:  c.sessionID,
		State:      c.state,
		Transcript: c.transcript,
		Script:     c.script,
		Persona:    c.persona,
	}
	c.mu.Unlock()
	s.Recording = c.capturer.Recording()
	s.QueueDepth = c.pipeline.QueueLength()
	s.BufferDepth = c.player.BufferLength()
	s.Playing = c.player.Playing()
	s.Mode = c.player.Mode()
	s.ForegroundVol, s.BackgroundVol = c.player.Gains()
	return s
}

// Logs returns up to historyLimit entries, newest first.
func (c *Controller) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.logs))
	for i, e := range c.logs {
		out[len(c.logs)-1-i] = e
	}
	return out
}

// Metrics returns up to historyLimit call metrics, newest first.
func (c *Controller) Metrics() []pipeline.Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pipeline.Metric, len(c.metrics))
	for i, m := range c.metrics {
		out[len(c.metrics)-1-i] = m
	}
	return out
}

// Context exposes the rolling enhancement context.
func (c *Controller) Context() pipeline.ContextSnapshot {
	return c.pipeline.Context()
}

// beginSession clears the previous session's output and playback, starts a fresh
// pipeline epoch and journals a new session row.
func (c *Controller) beginSession(ctx context.Context, source string) string {
	id := uuid.NewString()
	c.pipeline.BeginSession(id)
	// A finished file session leaves playback running until the next session.
	c.player.Stop()
	c.mu.Lock()
	c.sessionID = id
	c.transcript = ""
	c.script = ""
	c.metrics = nil
	p := c.persona
	c.mu.Unlock()
	if err := c.journal.BeginSession(ctx, eventstore.Session{ID: id, Source: source, Persona: p}); err != nil {
		c.logger.Warn("failed to journal session", slog.String("session_id", id), slogError(err))
	}
	return id
}

func (c *Controller) abort(sessionID string, err error) {
	c.logger.Error("session start failed", slog.String("session_id", sessionID), slogError(err))
	c.addLog(fmt.Sprintf("❌ %v", err))
	if jerr := c.journal.EndSession(c.ctx, sessionID); jerr != nil {
		c.logger.Warn("failed to close session", slog.String("session_id", sessionID), slogError(jerr))
	}
}

func (c *Controller) onSegment(seg capture.Segment) {
	c.pipeline.Enqueue(pipeline.AudioChunk{
		ID:                fmt.Sprintf("chunk-%d", seg.Seq),
		Audio:             seg.Audio,
		TimestampMS:       seg.StartedAt.UnixMilli(),
		NominalDurationMS: seg.Duration.Milliseconds(),
	})
}

func (c *Controller) onTranscript(item pipeline.TranscriptItem) {
	c.mu.Lock()
	c.transcript = joinText(c.transcript, item.Text)
	c.mu.Unlock()
	c.record(eventstore.KindTranscript, bus.SubjectTranscript, item.ID, item)
}

func (c *Controller) onScript(item pipeline.ScriptItem) {
	c.mu.Lock()
	c.script = joinText(c.script, item.Script)
	c.mu.Unlock()
	c.record(eventstore.KindScript, bus.SubjectScript, item.ID, item)
}

type speechEvent struct {
	ID          string                `json:"id"`
	Status      pipeline.SpeechStatus `json:"status"`
	Bytes       int                   `json:"bytes,omitempty"`
	Encoding    string                `json:"encoding,omitempty"`
	TimestampMS int64                 `json:"timestamp_ms"`
}

func (c *Controller) onSpeech(chunk pipeline.SpeechChunk) {
	if !c.player.Add(chunk) {
		c.logger.Debug("dropped speech for stopped player", slog.String("chunk_id", chunk.ID))
		return
	}
	c.record(eventstore.KindSpeech, bus.SubjectSpeech, chunk.ID, speechEvent{
		ID:          chunk.ID,
		Status:      pipeline.SpeechPending,
		Bytes:       chunk.Speech.Len(),
		Encoding:    chunk.Speech.Encoding,
		TimestampMS: chunk.TimestampMS,
	})
}

func (c *Controller) onPlaybackStatus(id string, status pipeline.SpeechStatus) {
	if err := c.bus.Publish(bus.SubjectSpeech, speechEvent{ID: id, Status: status, TimestampMS: time.Now().UnixMilli()}); err != nil {
		c.logger.Debug("publish speech status failed", slogError(err))
	}
}

func (c *Controller) onMetric(m pipeline.Metric) {
	c.mu.Lock()
	c.metrics = appendCapped(c.metrics, m)
	c.mu.Unlock()
	c.record(eventstore.KindMetric, bus.SubjectMetric, m.ID, m)
}

func (c *Controller) addLog(msg string) {
	entry := LogEntry{Timestamp: time.Now(), Message: msg}
	c.mu.Lock()
	c.logs = appendCapped(c.logs, entry)
	c.mu.Unlock()
	c.logger.Debug(msg)
	c.record(eventstore.KindLog, bus.SubjectLog, "", entry)
}

func (c *Controller) publishState() {
	if err := c.bus.Publish(bus.SubjectState, c.Snapshot()); err != nil {
		c.logger.Debug("publish state failed", slogError(err))
	}
}

// record journals v under the current session and publishes it on the bus.
func (c *Controller) record(kind, subject, chunkID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode event", slog.String("kind", kind), slogError(err))
		return
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		evt := eventstore.Event{SessionID: sessionID, ChunkID: chunkID, Kind: kind, Payload: payload}
		if err := c.journal.AppendEvent(c.ctx, evt); err != nil {
			c.logger.Warn("failed to journal event", slog.String("kind", kind), slogError(err))
		}
	}
	if err := c.bus.Publish(subject, json.RawMessage(payload)); err != nil {
		c.logger.Debug("publish failed", slog.String("subject", subject), slogError(err))
	}
}

// joinText appends piece with a single separating space. Empty pieces leave
// acc untouched.
func joinText(acc, piece string) string {
	piece = strings.TrimSpace(piece)
	if piece == "" {
		return acc
	}
	if acc == "" {
		return piece
	}
	return acc + " " + piece
}

func appendCapped[T any](list []T, v T) []T {
	list = append(list, v)
	if over := len(list) - historyLimit; over > 0 {
		n := copy(list, list[over:])
		clear(list[n:])
		list = list[:n]
	}
	return list
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
