// Package playback plays synthesized speech strictly one chunk at a time and
// crossfades it against an optional looping background track.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/pipeline"
)

type Mode string

const (
	ModeOriginal Mode = "original"
	ModeAI       Mode = "ai"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOriginal, ModeAI:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown playback mode %q", s)
	}
}

const rampStep = 10 * time.Millisecond

// Hooks report playback progress.
type Hooks struct {
	OnLog    func(string)
	OnStatus func(id string, status pipeline.SpeechStatus)
}

type Player struct {
	out          Output
	decoder      audio.Decoder
	pollInterval time.Duration
	ramp         time.Duration
	hooks        Hooks
	logger       *slog.Logger

	mu         sync.Mutex
	started    bool
	buffer     []pipeline.SpeechChunk
	playing    bool
	current    Voice
	currentID  string
	background Voice
	mode       Mode
	fg, bg     float64
	rampStop   chan struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewPlayer(out Output, decoder audio.Decoder, pollInterval, ramp time.Duration, hooks Hooks, logger *slog.Logger) *Player {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Player{
		out:          out,
		decoder:      decoder,
		pollInterval: pollInterval,
		ramp:         ramp,
		hooks:        hooks,
		logger:       logger.With(slog.String("component", "player")),
		mode:         ModeAI,
		fg:           1,
	}
}

// Start acquires the output device and starts the poll loop.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.out.Open(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.started = true
	p.loopCancel = cancel
	p.loopDone = make(chan struct{})
	go p.loop(loopCtx, p.loopDone)
	return nil
}

// Add queues a chunk for playback in arrival order. Chunks arriving while
// the player is stopped are dropped.
func (p *Player) Add(chunk pipeline.SpeechChunk) bool {
	chunk.Status = pipeline.SpeechPending
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	p.buffer = append(p.buffer, chunk)
	return true
}

// Stop halts playback, releases the device and drops buffered chunks. Safe
// to call repeatedly.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.started {
		p.buffer = nil
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, done := p.loopCancel, p.loopDone
	p.loopCancel, p.loopDone = nil, nil
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.stopRampLocked()
	if p.current != nil {
		p.current.Stop()
	}
	if p.background != nil {
		p.background.Stop()
	}
	p.current, p.currentID, p.background = nil, "", nil
	p.playing = false
	p.buffer = nil
	p.fg, p.bg = p.targetsLocked()
	p.mu.Unlock()

	if err := p.out.Close(); err != nil {
		p.logger.Warn("failed to close output", slogError(err))
	}
}

func (p *Player) BufferLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Gains returns the current foreground and background gains.
func (p *Player) Gains() (foreground, background float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fg, p.bg
}

func (p *Player) HasBackground() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.background != nil
}

// StartBackground decodes blob and loops it under the foreground track.
func (p *Player) StartBackground(ctx context.Context, blob audio.Blob) error {
	pcm, err := p.decoder.Decode(ctx, blob, p.out.Format())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("player not started")
	}
	v, err := p.out.Play(pcm, true)
	if err != nil {
		return err
	}
	if p.background != nil {
		p.background.Stop()
	}
	p.bg = 0
	v.SetGain(0)
	p.background = v
	p.rampLocked()
	return nil
}

func (p *Player) StopBackground() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.background == nil {
		return
	}
	p.background.Stop()
	p.background = nil
	p.bg = 0
	p.rampLocked()
}

// SetMode ramps the tracks toward the new mode. Without a background track
// the foreground stays at full gain.
func (p *Player) SetMode(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.rampLocked()
}

func (p *Player) targetsLocked() (fg, bg float64) {
	if p.background == nil {
		return 1, 0
	}
	if p.mode == ModeOriginal {
		return 0, 1
	}
	return 1, 0
}

func (p *Player) applyGainsLocked() {
	if p.current != nil {
		p.current.SetGain(p.fg)
	}
	if p.background != nil {
		p.background.SetGain(p.bg)
	}
}

func (p *Player) stopRampLocked() {
	if p.rampStop != nil {
		close(p.rampStop)
		p.rampStop = nil
	}
}

// rampLocked moves both gains linearly from where they are to the targets in
// rampStep increments.
func (p *Player) rampLocked() {
	p.stopRampLocked()
	tfg, tbg := p.targetsLocked()
	steps := int(p.ramp / rampStep)
	if steps <= 0 || (p.fg == tfg && p.bg == tbg) {
		p.fg, p.bg = tfg, tbg
		p.applyGainsLocked()
		return
	}
	fromFG, fromBG := p.fg, p.bg
	stop := make(chan struct{})
	p.rampStop = stop
	go func() {
		ticker := time.NewTicker(rampStep)
		defer ticker.Stop()
		for i := 1; i <= steps; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			p.mu.Lock()
			if p.rampStop != stop {
				p.mu.Unlock()
				return
			}
			frac := float64(i) / float64(steps)
			p.fg = fromFG + (tfg-fromFG)*frac
			p.bg = fromBG + (tbg-fromBG)*frac
			if i == steps {
				p.fg, p.bg = tfg, tbg
				p.rampStop = nil
			}
			p.applyGainsLocked()
			p.mu.Unlock()
		}
	}()
}

func (p *Player) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Player) poll(ctx context.Context) {
	p.mu.Lock()
	if p.playing {
		select {
		case <-p.current.Done():
			finished := p.currentID
			p.current, p.currentID, p.playing = nil, "", false
			p.mu.Unlock()
			p.status(finished, pipeline.SpeechComplete)
			return
		default:
			p.mu.Unlock()
			return
		}
	}
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	chunk := p.buffer[0]
	p.buffer[0] = pipeline.SpeechChunk{}
	p.buffer = p.buffer[1:]
	p.playing = true
	p.mu.Unlock()

	pcm, err := p.decoder.Decode(ctx, chunk.Speech, p.out.Format())
	if err == nil {
		var v Voice
		p.mu.Lock()
		if v, err = p.out.Play(pcm, false); err == nil {
			v.SetGain(p.fg)
			p.current, p.currentID = v, chunk.ID
		}
		p.mu.Unlock()
	}
	if err != nil {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		p.logger.Warn("playback failed", slog.String("chunk_id", chunk.ID), slogError(err))
		p.log(fmt.Sprintf("❌ Playback error for chunk %s", chunk.ID))
		p.status(chunk.ID, pipeline.SpeechError)
		return
	}
	p.log(fmt.Sprintf("▶️ Playing chunk %s", chunk.ID))
	p.status(chunk.ID, pipeline.SpeechPlaying)
}

func (p *Player) log(msg string) {
	if p.hooks.OnLog != nil {
		p.hooks.OnLog(msg)
	}
}

func (p *Player) status(id string, s pipeline.SpeechStatus) {
	if p.hooks.OnStatus != nil {
		p.hooks.OnStatus(id, s)
	}
}
