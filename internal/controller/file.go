package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/pipeline"
)

// ProcessFile replays an uploaded recording as if it were captured live. It
// returns once the file is decoded and feeding has started; the original
// audio loops on the player's background track meanwhile.
func (c *Controller) ProcessFile(ctx context.Context, name string, data []byte) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", lector.ErrBusy, state)
	}
	c.mu.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", lector.ErrEmptyInput, name)
	}
	blob := audio.NewBlob(data, "")
	pcm, err := c.decoder.Decode(ctx, blob, c.format)
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	slices := splitPCM(pcm, c.format.BytesFor(c.chunkDuration), c.format.Channels*2)
	if len(slices) == 0 {
		return fmt.Errorf("%w: %s has no audio", lector.ErrEmptyInput, name)
	}

	sessionID := c.beginSession(ctx, "file:"+name)
	if err := c.player.Start(c.ctx); err != nil {
		c.abort(sessionID, err)
		return fmt.Errorf("start playback: %w", err)
	}
	if err := c.player.StartBackground(ctx, blob); err != nil {
		c.logger.Warn("background track unavailable", slog.String("file", name), slogError(err))
	}

	feedCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.state = StateProcessingFile
	c.fileCancel, c.fileDone = cancel, done
	c.mu.Unlock()

	c.addLog(fmt.Sprintf("📁 Processing %s: %d chunks", name, len(slices)))
	c.publishState()
	go c.feed(feedCtx, cancel, slices, done)
	return nil
}

func (c *Controller) feed(ctx context.Context, cancel context.CancelFunc, slices [][]byte, done chan struct{}) {
	defer close(done)
	defer cancel()
	for i, pcm := range slices {
		if ctx.Err() != nil {
			return
		}
		blob, err := audio.EncodeWAVBlob(pcm, c.format)
		if err != nil {
			c.logger.Warn("failed to encode file slice", slog.Int("index", i), slogError(err))
			continue
		}
		id := fmt.Sprintf("file-%d", i)
		c.pipeline.Enqueue(pipeline.AudioChunk{
			ID:                id,
			Audio:             blob,
			NominalDurationMS: c.format.Duration(len(pcm)).Milliseconds(),
		})
		c.addLog(fmt.Sprintf("📤 Queued %s (%d/%d)", id, i+1, len(slices)))
		if i == len(slices)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interChunkDelay):
		}
	}

	c.mu.Lock()
	finished := c.fileDone == done
	if finished {
		c.state = StateIdle
		c.fileCancel, c.fileDone = nil, nil
	}
	c.mu.Unlock()
	if finished {
		c.addLog("✅ File fully queued")
		c.publishState()
	}
}

// splitPCM cuts pcm into size-byte slices on frame boundaries. The last
// slice may be shorter.
func splitPCM(pcm []byte, size, frame int) [][]byte {
	if frame <= 0 {
		frame = 2
	}
	size -= size % frame
	if size <= 0 {
		return nil
	}
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		out = append(out, pcm[off:end])
	}
	return out
}
