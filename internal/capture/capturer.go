// Package capture segments a live PCM stream into fixed-duration WAV chunks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/audio"
)

// Segment is one closed recording window.
type Segment struct {
	Seq       int
	Audio     audio.Blob
	StartedAt time.Time
	Duration  time.Duration
}

type Capturer struct {
	source        Source
	format        audio.Format
	chunkDuration time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	onChunk func(Segment)
	running bool
	stream  io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(source Source, format audio.Format, chunkDuration time.Duration, logger *slog.Logger) *Capturer {
	return &Capturer{
		source:        source,
		format:        format,
		chunkDuration: chunkDuration,
		logger:        logger.With(slog.String("component", "capture")),
	}
}

// OnChunk registers the single segment callback. It runs on the capture
// goroutine and must return quickly.
func (c *Capturer) OnChunk(fn func(Segment)) {
	c.mu.Lock()
	c.onChunk = fn
	c.mu.Unlock()
}

// Start acquires the source and begins segmentation.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.source == nil {
		return fmt.Errorf("%w: no capture source configured", lector.ErrDeviceUnavailable)
	}
	size := c.format.BytesFor(c.chunkDuration)
	if size <= 0 {
		return fmt.Errorf("invalid chunk size for %v at %+v", c.chunkDuration, c.format)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := c.source.Open(runCtx)
	if err != nil {
		cancel()
		if !errors.Is(err, lector.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", lector.ErrDeviceUnavailable, err)
		}
		return err
	}
	c.stream = stream
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	go c.loop(stream, size, c.done)
	c.logger.Info("capture started",
		slog.Int("sample_rate", c.format.SampleRate),
		slog.Int("channels", c.format.Channels),
		slog.Duration("chunk", c.chunkDuration))
	return nil
}

// Stop releases the source and waits for segmentation to halt. Safe to call
// repeatedly.
func (c *Capturer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stream, cancel, done := c.stream, c.cancel, c.done
	c.stream, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	_ = stream.Close()
	<-done
	c.logger.Info("capture stopped")
}

func (c *Capturer) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capturer) loop(stream io.Reader, size int, done chan struct{}) {
	defer close(done)
	seq := 0
	for {
		started := time.Now()
		buf := make([]byte, size)
		n, err := io.ReadFull(stream, buf)
		// Keep whole frames only.
		n -= n % (c.format.Channels * 2)
		if n > 0 && c.active(done) {
			c.deliver(seq, buf[:n], started)
			seq++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && c.active(done) {
				c.logger.Warn("capture read failed", slogError(err))
			}
			break
		}
	}

	c.mu.Lock()
	if c.done == done && c.running {
		// Source ended on its own.
		c.running = false
		c.cancel()
		_ = c.stream.Close()
		c.stream, c.cancel = nil, nil
	}
	c.mu.Unlock()
}

// active reports whether the loop owning done has not been stopped.
func (c *Capturer) active(done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.done == done
}

func (c *Capturer) deliver(seq int, pcm []byte, started time.Time) {
	blob, err := audio.EncodeWAVBlob(pcm, c.format)
	if err != nil {
		c.logger.Warn("failed to encode segment", slog.Int("seq", seq), slogError(err))
		return
	}
	c.mu.Lock()
	fn := c.onChunk
	c.mu.Unlock()
	if fn == nil {
		return
	}
	fn(Segment{Seq: seq, Audio: blob, StartedAt: started, Duration: c.format.Duration(len(pcm))})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
