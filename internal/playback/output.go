package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/audio"
)

// Voice is one decoded buffer connected to the output.
type Voice interface {
	SetGain(gain float64)
	Gain() float64
	Done() <-chan struct{}
	Stop()
}

// Output is the playback device.
type Output interface {
	Open(ctx context.Context) error
	Play(pcm []byte, loop bool) (Voice, error)
	Format() audio.Format
	Close() error
}

const mixFrame = 20 * time.Millisecond

// MixerOutput sums active voices, each scaled by its gain, every 20ms and
// writes the result as PCM16LE to a sink command's stdin. Without a sink
// command it only paces voices in real time.
type MixerOutput struct {
	format audio.Format
	cmd    []string
	logger *slog.Logger

	mu     sync.Mutex
	voices []*voice
	sink   io.WriteCloser
	proc   *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMixerOutput(command string, format audio.Format, logger *slog.Logger) (*MixerOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("playback command empty")
	}
	out := NewNullOutput(format, logger)
	out.cmd = args
	return out, nil
}

func NewNullOutput(format audio.Format, logger *slog.Logger) *MixerOutput {
	return &MixerOutput{format: format, logger: logger.With(slog.String("component", "mixer"))}
}

func (m *MixerOutput) Format() audio.Format { return m.format }

func (m *MixerOutput) Open(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}
	if !m.format.Valid() {
		return fmt.Errorf("%w: invalid output format %+v", lector.ErrDeviceUnavailable, m.format)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if len(m.cmd) > 0 {
		if _, err := exec.LookPath(m.cmd[0]); err != nil {
			cancel()
			return fmt.Errorf("%w: %w", lector.ErrDeviceUnavailable, err)
		}
		proc := exec.CommandContext(runCtx, m.cmd[0], m.cmd[1:]...)
		stdin, err := proc.StdinPipe()
		if err != nil {
			cancel()
			return fmt.Errorf("%w: %w", lector.ErrDeviceUnavailable, err)
		}
		if err := proc.Start(); err != nil {
			cancel()
			return fmt.Errorf("%w: start player: %w", lector.ErrDeviceUnavailable, err)
		}
		m.proc, m.sink = proc, stdin
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
	return nil
}

func (m *MixerOutput) Play(pcm []byte, loop bool) (Voice, error) {
	samples := audio.Samples(pcm)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", lector.ErrDecode)
	}
	v := newVoice(samples, loop)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil, fmt.Errorf("%w: output not open", lector.ErrDeviceUnavailable)
	}
	m.voices = append(m.voices, v)
	return v, nil
}

func (m *MixerOutput) Close() error {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.voices {
		v.Stop()
	}
	m.voices = nil
	if m.sink != nil {
		_ = m.sink.Close()
		_ = m.proc.Wait()
		m.sink, m.proc = nil, nil
	}
	m.done, m.cancel = nil, nil
	return nil
}

// Active reports how many voices are connected.
func (m *MixerOutput) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

func (m *MixerOutput) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	n := int(int64(m.format.SampleRate)*mixFrame.Milliseconds()/1000) * m.format.Channels
	mix := make([]float64, n)
	frame := make([]int16, n)
	ticker := time.NewTicker(mixFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clear(mix)
		m.mu.Lock()
		live := m.voices[:0]
		for _, v := range m.voices {
			if v.mixInto(mix) {
				live = append(live, v)
			}
		}
		clear(m.voices[len(live):])
		m.voices = live
		sink := m.sink
		m.mu.Unlock()

		if sink == nil {
			continue
		}
		for i, s := range mix {
			frame[i] = clampSample(s)
		}
		if _, err := sink.Write(audio.Bytes(frame)); err != nil {
			m.logger.Warn("playback sink write failed", slogError(err))
			m.mu.Lock()
			m.sink = nil
			m.mu.Unlock()
		}
	}
}

func clampSample(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

type voice struct {
	samples []int16
	loop    bool
	pos     int // guarded by the mixer's mu
	gain    atomic.Uint64
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newVoice(samples []int16, loop bool) *voice {
	v := &voice{samples: samples, loop: loop, done: make(chan struct{})}
	v.SetGain(1)
	return v
}

func (v *voice) SetGain(gain float64) {
	gain = math.Max(0, math.Min(1, gain))
	v.gain.Store(math.Float64bits(gain))
}

func (v *voice) Gain() float64 { return math.Float64frombits(v.gain.Load()) }

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) Stop() {
	v.stopped.Store(true)
	v.finish()
}

func (v *voice) finish() { v.once.Do(func() { close(v.done) }) }

// mixInto adds the next len(dst) samples and reports whether the voice is
// still live.
func (v *voice) mixInto(dst []float64) bool {
	if v.stopped.Load() {
		return false
	}
	gain := v.Gain()
	for i := range dst {
		if v.pos >= len(v.samples) {
			if !v.loop {
				v.finish()
				return false
			}
			v.pos = 0
		}
		dst[i] += float64(v.samples[v.pos]) * gain
		v.pos++
	}
	if v.pos >= len(v.samples) && !v.loop {
		v.finish()
		return false
	}
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
