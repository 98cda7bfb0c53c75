package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/audio"
)

var testFormat = audio.Format{SampleRate: 1000, Channels: 1}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type segmentSink struct {
	mu   sync.Mutex
	segs []Segment
}

func (s *segmentSink) add(seg Segment) {
	s.mu.Lock()
	s.segs = append(s.segs, seg)
	s.mu.Unlock()
}

func (s *segmentSink) snapshot() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcmLen(t *testing.T, seg Segment) int {
	t.Helper()
	pcm, format, err := audio.DecodeWAV(seg.Audio.Data)
	if err != nil {
		t.Fatalf("segment %d not valid wav: %v", seg.Seq, err)
	}
	if format != testFormat {
		t.Fatalf("segment %d format %+v", seg.Seq, format)
	}
	return len(pcm)
}

func TestSegmentsHaveFixedDurationAndFinalPartial(t *testing.T) {
	// 100ms at 1kHz mono is 200 bytes; feed two and a half segments.
	src := NewReaderSource(bytes.NewReader(make([]byte, 500)))
	c := New(src, testFormat, 100*time.Millisecond, testLogger())
	sink := &segmentSink{}
	c.OnChunk(sink.add)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "source exhausted", func() bool { return !c.Recording() })

	segs := sink.snapshot()
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, want := range []int{200, 200, 100} {
		if segs[i].Seq != i {
			t.Fatalf("segment %d has seq %d", i, segs[i].Seq)
		}
		if got := pcmLen(t, segs[i]); got != want {
			t.Fatalf("segment %d has %d bytes, want %d", i, got, want)
		}
		if segs[i].Audio.Encoding != audio.EncodingWAV {
			t.Fatalf("segment %d encoding %q", i, segs[i].Audio.Encoding)
		}
	}
	if segs[2].Duration != 50*time.Millisecond {
		t.Fatalf("expected partial duration 50ms, got %v", segs[2].Duration)
	}
	c.Stop()
}

func TestStopIsIdempotentAndHaltsDelivery(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(NewReaderSource(pr), testFormat, 100*time.Millisecond, testLogger())
	sink := &segmentSink{}
	c.OnChunk(sink.add)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.Recording() {
		t.Fatal("expected recording after start")
	}
	if _, err := pw.Write(make([]byte, 200)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "first segment", func() bool { return len(sink.snapshot()) == 1 })

	c.Stop()
	c.Stop()
	if c.Recording() {
		t.Fatal("expected not recording after stop")
	}
	go pw.Write(make([]byte, 400))
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("segments delivered after stop: %d", n)
	}
}

func TestEmptySourceDeliversNothing(t *testing.T) {
	c := New(NewReaderSource(bytes.NewReader(nil)), testFormat, 100*time.Millisecond, testLogger())
	sink := &segmentSink{}
	c.OnChunk(sink.add)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "source exhausted", func() bool { return !c.Recording() })
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("expected no segments, got %d", n)
	}
}

func TestExecSourceMissingBinaryIsDeviceUnavailable(t *testing.T) {
	src, err := NewExecSource("definitely-not-a-recorder-binary -q")
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	c := New(src, testFormat, 100*time.Millisecond, testLogger())
	err = c.Start(context.Background())
	if !errors.Is(err, lector.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if c.Recording() {
		t.Fatal("failed start must not leave capturer recording")
	}
}

func TestExecSourceStreamsCommandOutput(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	src, err := NewExecSource("head -c 400 /dev/zero")
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	c := New(src, testFormat, 100*time.Millisecond, testLogger())
	sink := &segmentSink{}
	c.OnChunk(sink.add)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "command exit", func() bool { return !c.Recording() })
	if n := len(sink.snapshot()); n != 2 {
		t.Fatalf("expected 2 segments, got %d", n)
	}
}
