// Package pipeline moves audio chunks through transcription, enhancement and
// synthesis. Each stage is a FIFO served by a single goroutine at a time, so
// output order always matches input order with only drops in between.
//
// Reset bumps an epoch counter. Calls that were in flight when it happened
// still complete, but their results are discarded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/llm"
	"github.com/loqalabs/loqa-lector/internal/persona"
	"github.com/loqalabs/loqa-lector/internal/stt"
	"github.com/loqalabs/loqa-lector/internal/tts"
)

type Pipeline struct {
	cfg         config.PipelineConfig
	transcriber stt.Transcriber
	enhancer    llm.Enhancer
	speaker     tts.Speaker
	hooks       Hooks
	logger      *slog.Logger
	inst        instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// emitMu serializes result delivery against Reset so a result checked
	// against the current epoch cannot land after a reset.
	emitMu sync.Mutex

	mu            sync.Mutex
	epoch         uint64
	sessionID     string
	closed        bool
	persona       string
	contextText   string
	contextScript string
	statuses      map[string]ChunkStatus
	audioStage    stage[AudioChunk]
	scriptStage   stage[TranscriptItem]
	speechStage   stage[ScriptItem]
}

func New(parent context.Context, cfg config.PipelineConfig, transcriber stt.Transcriber, enhancer llm.Enhancer, speaker tts.Speaker, hooks Hooks, logger *slog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "pipeline"))
	inst, err := newInstruments()
	if err != nil {
		logger.Warn("pipeline instruments unavailable", slogError(err))
	}
	p := &Pipeline{
		cfg:         cfg,
		transcriber: transcriber,
		enhancer:    enhancer,
		speaker:     speaker,
		hooks:       hooks,
		logger:      logger,
		inst:        inst,
		ctx:         ctx,
		cancel:      cancel,
		persona:     persona.DefaultID,
		statuses:    make(map[string]ChunkStatus),
	}
	p.audioStage.process = p.transcribe
	p.scriptStage.process = p.enhance
	p.speechStage.process = p.synthesize
	return p
}

// Enqueue hands a captured chunk to the transcription stage. It never blocks
// on downstream work.
func (p *Pipeline) Enqueue(chunk AudioChunk) {
	if chunk.TimestampMS == 0 {
		chunk.TimestampMS = nowMS()
	}
	chunk.Status = ChunkPending

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.statuses[chunk.ID] = ChunkPending
	p.audioStage.push(p, chunk)
}

// Reset drops all queued work and rolling context and starts a new epoch.
func (p *Pipeline) Reset() {
	p.BeginSession("")
}

// BeginSession resets the pipeline and tags later backend requests with id.
func (p *Pipeline) BeginSession(id string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.sessionID = id
	p.audioStage.clear()
	p.scriptStage.clear()
	p.speechStage.clear()
	p.contextText = ""
	p.contextScript = ""
	p.statuses = make(map[string]ChunkStatus)
}

// Close stops accepting work and waits for running drains to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) SetPersona(id string) {
	p.mu.Lock()
	p.persona = id
	p.mu.Unlock()
}

func (p *Pipeline) Persona() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persona
}

// QueueLength counts items waiting in any stage, not including in-flight calls.
func (p *Pipeline) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.audioStage.queue) + len(p.scriptStage.queue) + len(p.speechStage.queue)
}

func (p *Pipeline) Context() ContextSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ContextSnapshot{Text: p.contextText, Script: p.contextScript}
}

// Busy reports whether any stage has a drain running.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioStage.active || p.scriptStage.active || p.speechStage.active
}

func (p *Pipeline) ChunkStatus(id string) (ChunkStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[id]
	return s, ok
}

// StatusCounts tallies chunks of the current epoch by status.
func (p *Pipeline) StatusCounts() map[ChunkStatus]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[ChunkStatus]int, 5)
	for _, s := range p.statuses {
		out[s]++
	}
	return out
}

func (p *Pipeline) transcribe(epoch uint64, chunk AudioChunk) {
	if chunk.Audio.Len() < p.cfg.MinAudioBytes {
		p.logger.Debug("no speech",
			slog.String("chunk_id", chunk.ID),
			slog.String("stage", StageSTT),
			slogError(fmt.Errorf("%w: %d bytes", lector.ErrEmptyInput, chunk.Audio.Len())))
		p.setStatus(epoch, chunk.ID, ChunkComplete)
		return
	}
	p.emit(epoch, func(n *notify) {
		p.statuses[chunk.ID] = ChunkTranscribing
		p.log(n, fmt.Sprintf("🎤 Chunk %s: processing STT...", chunk.ID))
	})

	var result stt.TranscriptResult
	elapsed, err := p.call(StageSTT, chunk.ID, func(ctx context.Context) error {
		var err error
		result, err = p.transcriber.Transcribe(ctx, chunk.Audio)
		return err
	})
	if err != nil {
		p.fail(epoch, chunk.ID, StageSTT, elapsed, err)
		return
	}

	text := strings.TrimSpace(result.Text)
	p.emit(epoch, func(n *notify) {
		p.metric(n, Metric{ID: chunk.ID, Stage: StageSTT, DurationMS: elapsed.Milliseconds(), Detail: fmt.Sprintf("%d chars", len(text))})
		if text == "" {
			p.statuses[chunk.ID] = ChunkComplete
			p.log(n, fmt.Sprintf("🔇 Chunk %s: no speech", chunk.ID))
			return
		}
		item := TranscriptItem{ID: chunk.ID, Text: text, TimestampMS: nowMS()}
		p.statuses[chunk.ID] = ChunkSynthesizing
		p.scriptStage.push(p, item)
		if p.hooks.OnTranscript != nil {
			n.add(func() { p.hooks.OnTranscript(item) })
		}
	})
}

func (p *Pipeline) enhance(epoch uint64, item TranscriptItem) {
	p.mu.Lock()
	req := llm.EnhanceRequest{
		SessionID:     p.sessionID,
		NewText:       item.Text,
		ContextText:   p.contextText,
		ContextScript: p.contextScript,
		PromptHint:    persona.Lookup(p.persona).PromptHint,
	}
	p.mu.Unlock()

	var script string
	elapsed, err := p.call(StageEnhance, item.ID, func(ctx context.Context) error {
		var err error
		script, err = p.enhancer.Enhance(ctx, req)
		return err
	})
	if err != nil {
		p.fail(epoch, item.ID, StageEnhance, elapsed, err)
		return
	}

	script = strings.TrimSpace(script)
	p.emit(epoch, func(n *notify) {
		p.contextText = appendContext(p.contextText, item.Text, p.cfg.ContextChars)
		p.metric(n, Metric{ID: item.ID, Stage: StageEnhance, DurationMS: elapsed.Milliseconds(), Detail: fmt.Sprintf("%d chars", len(script))})
		if script == "" {
			p.statuses[item.ID] = ChunkComplete
			p.log(n, fmt.Sprintf("⏳ Chunk %s: enhancer waiting for more input", item.ID))
			return
		}
		p.contextScript = appendContext(p.contextScript, script, p.cfg.ContextChars)
		next := ScriptItem{ID: item.ID, Script: script, TimestampMS: nowMS()}
		p.speechStage.push(p, next)
		if p.hooks.OnScript != nil {
			n.add(func() { p.hooks.OnScript(next) })
		}
	})
}

func (p *Pipeline) synthesize(epoch uint64, item ScriptItem) {
	voice := persona.Lookup(p.Persona()).VoiceID

	var speech SpeechChunk
	elapsed, err := p.call(StageTTS, item.ID, func(ctx context.Context) error {
		blob, err := p.speaker.Speak(ctx, item.Script, voice)
		if err != nil {
			return err
		}
		if blob.Empty() {
			return errors.New("empty speech")
		}
		speech = SpeechChunk{ID: item.ID, Speech: blob, TimestampMS: nowMS(), Status: SpeechPending}
		return nil
	})
	if err != nil {
		p.fail(epoch, item.ID, StageTTS, elapsed, err)
		return
	}

	p.emit(epoch, func(n *notify) {
		p.statuses[item.ID] = ChunkComplete
		p.metric(n, Metric{ID: item.ID, Stage: StageTTS, DurationMS: elapsed.Milliseconds(), Detail: fmt.Sprintf("%d bytes", speech.Speech.Len())})
		p.log(n, fmt.Sprintf("🔊 Chunk %s: speech ready", item.ID))
		if p.hooks.OnSpeech != nil {
			n.add(func() { p.hooks.OnSpeech(speech) })
		}
	})
}

// call runs one external request under the per-call timeout.
func (p *Pipeline) call(stage, chunkID string, fn func(context.Context) error) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(p.ctx, time.Duration(p.cfg.CallTimeoutMS)*time.Millisecond)
	defer cancel()
	if p.inst.tracer == nil {
		start := time.Now()
		err := fn(ctx)
		return time.Since(start), err
	}
	return p.inst.observe(ctx, stage, chunkID, fn)
}

// notify collects hook calls made while mu is held.
type notify []func()

func (n *notify) add(fn func()) { *n = append(*n, fn) }

// emit applies fn under mu if epoch is still current, then runs the hooks fn
// queued with only emitMu held, so a Reset cannot slip in between.
func (p *Pipeline) emit(epoch uint64, fn func(n *notify)) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	var n notify
	fn(&n)
	p.mu.Unlock()

	for _, hook := range n {
		hook()
	}
}

func (p *Pipeline) fail(epoch uint64, chunkID, stage string, elapsed time.Duration, err error) {
	err = fmt.Errorf("%w: %s: %w", lector.ErrServiceFailure, stage, err)
	p.logger.Warn("stage call failed",
		slog.String("chunk_id", chunkID),
		slog.String("stage", stage),
		slogError(err))
	p.emit(epoch, func(n *notify) {
		p.statuses[chunkID] = ChunkError
		p.metric(n, Metric{ID: chunkID, Stage: stage, DurationMS: elapsed.Milliseconds(), Error: true, Detail: err.Error()})
		p.log(n, fmt.Sprintf("⚠️ Chunk %s: %s failed", chunkID, stage))
	})
}

func (p *Pipeline) setStatus(epoch uint64, id string, status ChunkStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch == epoch {
		p.statuses[id] = status
	}
}

func (p *Pipeline) metric(n *notify, m Metric) {
	m.Timestamp = time.Now()
	if p.hooks.OnMetric != nil {
		n.add(func() { p.hooks.OnMetric(m) })
	}
}

func (p *Pipeline) log(n *notify, msg string) {
	if p.hooks.OnLog != nil {
		n.add(func() { p.hooks.OnLog(msg) })
	}
}

// appendContext joins s onto ctx with a single space and keeps the last n runes.
func appendContext(ctx, s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ctx
	}
	joined := s
	if ctx != "" {
		joined = ctx + " " + s
	}
	runes := []rune(joined)
	if n > 0 && len(runes) > n {
		return string(runes[len(runes)-n:])
	}
	return joined
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
