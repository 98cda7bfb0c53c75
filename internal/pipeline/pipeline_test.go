package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-lector/internal/audio"
	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/llm"
	"github.com/loqalabs/loqa-lector/internal/persona"
	"github.com/loqalabs/loqa-lector/internal/stt"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	fn    func(text string) (string, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, chunk audio.Blob) (stt.TranscriptResult, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	text := string(chunk.Data)
	if f.fn != nil {
		out, err := f.fn(text)
		return stt.TranscriptResult{Text: out}, err
	}
	return stt.TranscriptResult{Text: text}, nil
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnhancer struct {
	mu       sync.Mutex
	requests []llm.EnhanceRequest
	fn       func(req llm.EnhanceRequest) (string, error)
}

func (f *fakeEnhancer) Enhance(_ context.Context, req llm.EnhanceRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	return strings.ToUpper(req.NewText), nil
}

func (f *fakeEnhancer) Requests() []llm.EnhanceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.EnhanceRequest(nil), f.requests...)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	voices []string
	fn     func(text string) error
}

func (f *fakeSpeaker) Speak(_ context.Context, text, voice string) (audio.Blob, error) {
	f.mu.Lock()
	f.voices = append(f.voices, voice)
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(text); err != nil {
			return audio.Blob{}, err
		}
	}
	return audio.Blob{Data: []byte(text), Encoding: audio.EncodingOctet}, nil
}

type collector struct {
	mu          sync.Mutex
	transcripts []TranscriptItem
	scripts     []ScriptItem
	speech      []SpeechChunk
	metrics     []Metric
	logs        []string
}

func (c *collector) hooks() Hooks {
	return Hooks{
		OnTranscript: func(i TranscriptItem) { c.mu.Lock(); c.transcripts = append(c.transcripts, i); c.mu.Unlock() },
		OnScript:     func(i ScriptItem) { c.mu.Lock(); c.scripts = append(c.scripts, i); c.mu.Unlock() },
		OnSpeech:     func(s SpeechChunk) { c.mu.Lock(); c.speech = append(c.speech, s); c.mu.Unlock() },
		OnMetric:     func(m Metric) { c.mu.Lock(); c.metrics = append(c.metrics, m); c.mu.Unlock() },
		OnLog:        func(s string) { c.mu.Lock(); c.logs = append(c.logs, s); c.mu.Unlock() },
	}
}

func (c *collector) speechIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.speech))
	for i, s := range c.speech {
		ids[i] = s.ID
	}
	return ids
}

func (c *collector) transcriptTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.transcripts))
	for i, t := range c.transcripts {
		out[i] = t.Text
	}
	return out
}

func (c *collector) scriptTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.scripts))
	for i, s := range c.scripts {
		out[i] = s.Script
	}
	return out
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{ContextChars: 1000, MinAudioBytes: 0, CallTimeoutMS: 5000}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunk(id, text string) AudioChunk {
	return AudioChunk{ID: id, Audio: audio.Blob{Data: []byte(text)}, NominalDurationMS: 4000}
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

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	waitFor(t, "pipeline idle", func() bool { return !p.Busy() && p.QueueLength() == 0 })
}

func TestSpeechFollowsEnqueueOrderWithDrops(t *testing.T) {
	jitter := func() { time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond) }
	tr := &fakeTranscriber{fn: func(text string) (string, error) {
		jitter()
		if strings.HasSuffix(text, "-3") {
			return "", errors.New("stt down")
		}
		return text, nil
	}}
	enh := &fakeEnhancer{fn: func(req llm.EnhanceRequest) (string, error) {
		jitter()
		if strings.HasSuffix(req.NewText, "-7") {
			return "", errors.New("llm down")
		}
		return req.NewText, nil
	}}
	sp := &fakeSpeaker{fn: func(text string) error {
		jitter()
		if strings.HasSuffix(text, "-11") {
			return errors.New("tts down")
		}
		return nil
	}}
	col := &collector{}
	p := New(context.Background(), testConfig(), tr, enh, sp, col.hooks(), testLogger())
	defer p.Close()

	const n = 15
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c-%d", i)
		p.Enqueue(chunk(id, id))
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "all speech", func() bool { return len(col.speechIDs()) == n-3 })
	waitIdle(t, p)

	var want []string
	for i := 0; i < n; i++ {
		if i == 3 || i == 7 || i == 11 {
			continue
		}
		want = append(want, fmt.Sprintf("c-%d", i))
	}
	got := col.speechIDs()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("speech order mismatch\n got: %v\nwant: %v", got, want)
	}

	if s, _ := p.ChunkStatus("c-3"); s != ChunkError {
		t.Fatalf("expected c-3 error status, got %q", s)
	}
	if s, _ := p.ChunkStatus("c-4"); s != ChunkComplete {
		t.Fatalf("expected c-4 complete, got %q", s)
	}
	counts := p.StatusCounts()
	if counts[ChunkError] != 3 || counts[ChunkComplete] != n-3 {
		t.Fatalf("unexpected status counts %v", counts)
	}
}

func TestEmptyTranscriptionIsDropped(t *testing.T) {
	tr := &fakeTranscriber{}
	enh := &fakeEnhancer{}
	col := &collector{}
	p := New(context.Background(), testConfig(), tr, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	p.Enqueue(chunk("1", "hello"))
	p.Enqueue(chunk("2", "   "))
	p.Enqueue(chunk("3", "world"))
	waitFor(t, "speech", func() bool { return len(col.speechIDs()) == 2 })
	waitIdle(t, p)

	if got := strings.Join(col.transcriptTexts(), " "); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if len(enh.Requests()) != 2 {
		t.Fatalf("empty transcript must not reach the enhancer, got %d requests", len(enh.Requests()))
	}
	if ctx := p.Context(); ctx.Text != "hello world" {
		t.Fatalf("empty transcript polluted context: %q", ctx.Text)
	}
}

func TestEmptyEnhancementAdvancesContextTextOnly(t *testing.T) {
	enh := &fakeEnhancer{fn: func(req llm.EnhanceRequest) (string, error) {
		if req.NewText == "two" {
			return "", nil
		}
		return "S(" + req.NewText + ")", nil
	}}
	col := &collector{}
	p := New(context.Background(), testConfig(), &fakeTranscriber{}, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	p.Enqueue(chunk("1", "one"))
	p.Enqueue(chunk("2", "two"))
	p.Enqueue(chunk("3", "three"))
	waitFor(t, "speech", func() bool { return len(col.speechIDs()) == 2 })
	waitIdle(t, p)

	if got := col.scriptTexts(); strings.Join(got, "|") != "S(one)|S(three)" {
		t.Fatalf("unexpected scripts %v", got)
	}
	ctx := p.Context()
	if ctx.Text != "one two three" {
		t.Fatalf("context text should hold all raw inputs, got %q", ctx.Text)
	}
	if ctx.Script != "S(one) S(three)" {
		t.Fatalf("unexpected context script %q", ctx.Script)
	}

	reqs := enh.Requests()
	if reqs[2].ContextText != "one two" || reqs[2].ContextScript != "S(one)" {
		t.Fatalf("third request saw wrong context: %+v", reqs[2])
	}
}

func TestContextStaysWithinLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ContextChars = 40
	enh := &fakeEnhancer{fn: func(req llm.EnhanceRequest) (string, error) {
		return "é" + strings.Repeat("x", 17), nil
	}}
	col := &collector{}
	p := New(context.Background(), cfg, &fakeTranscriber{}, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	for i := 0; i < 12; i++ {
		p.Enqueue(chunk(fmt.Sprint(i), fmt.Sprintf("segment number %02d ü", i)))
	}
	waitFor(t, "speech", func() bool { return len(col.speechIDs()) == 12 })
	waitIdle(t, p)

	for i, req := range enh.Requests() {
		if n := utf8.RuneCountInString(req.ContextText); n > 40 {
			t.Fatalf("request %d context text has %d runes", i, n)
		}
		if n := utf8.RuneCountInString(req.ContextScript); n > 40 {
			t.Fatalf("request %d context script has %d runes", i, n)
		}
	}
	ctx := p.Context()
	if utf8.RuneCountInString(ctx.Text) != 40 || !strings.HasSuffix(ctx.Text, "segment number 11 ü") {
		t.Fatalf("expected the newest 40 runes, got %q", ctx.Text)
	}
	if !utf8.ValidString(ctx.Script) {
		t.Fatalf("context script split a rune: %q", ctx.Script)
	}
}

func TestResetDiscardsQueuedAndInFlightWork(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTranscriber{gate: gate}
	enh := &fakeEnhancer{}
	col := &collector{}
	p := New(context.Background(), testConfig(), tr, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Enqueue(chunk(fmt.Sprint(i), fmt.Sprintf("old-%d", i)))
	}
	waitFor(t, "first call in flight", func() bool { return tr.Calls() == 1 })
	if p.QueueLength() != 4 {
		t.Fatalf("expected 4 queued, got %d", p.QueueLength())
	}

	p.Reset()
	if p.QueueLength() != 0 {
		t.Fatalf("reset left %d queued items", p.QueueLength())
	}
	if ctx := p.Context(); ctx.Text != "" || ctx.Script != "" {
		t.Fatalf("reset left context %+v", ctx)
	}

	tr.mu.Lock()
	tr.gate = nil
	tr.mu.Unlock()
	close(gate)

	p.Enqueue(chunk("new", "fresh"))
	waitFor(t, "new speech", func() bool { return len(col.speechIDs()) == 1 })
	waitIdle(t, p)

	if ids := col.speechIDs(); ids[0] != "new" {
		t.Fatalf("stale result leaked through reset: %v", ids)
	}
	for _, text := range col.transcriptTexts() {
		if strings.HasPrefix(text, "old") {
			t.Fatalf("stale transcript emitted after reset: %q", text)
		}
	}
	if ctx := p.Context(); ctx.Text != "fresh" {
		t.Fatalf("stale text reached new context: %q", ctx.Text)
	}
}

func TestBelowMinimumSizeSkipsTranscriber(t *testing.T) {
	cfg := testConfig()
	cfg.MinAudioBytes = 1024
	tr := &fakeTranscriber{}
	col := &collector{}
	p := New(context.Background(), cfg, tr, &fakeEnhancer{}, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	p.Enqueue(chunk("tiny", "short"))
	p.Enqueue(AudioChunk{ID: "big", Audio: audio.Blob{Data: []byte("big" + strings.Repeat(" ", 2048))}})
	waitFor(t, "speech", func() bool { return len(col.speechIDs()) == 1 })
	waitIdle(t, p)

	if tr.Calls() != 1 {
		t.Fatalf("expected only the large chunk to be transcribed, got %d calls", tr.Calls())
	}
	if s, _ := p.ChunkStatus("tiny"); s != ChunkComplete {
		t.Fatalf("expected tiny chunk complete, got %q", s)
	}
}

func TestStageFailureReportsMetricAndContinues(t *testing.T) {
	enh := &fakeEnhancer{fn: func(req llm.EnhanceRequest) (string, error) {
		if req.NewText == "bad" {
			return "", errors.New("quota exceeded")
		}
		return req.NewText, nil
	}}
	col := &collector{}
	p := New(context.Background(), testConfig(), &fakeTranscriber{}, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	p.Enqueue(chunk("a", "bad"))
	p.Enqueue(chunk("b", "good"))
	waitFor(t, "speech", func() bool { return len(col.speechIDs()) == 1 })
	waitIdle(t, p)

	col.mu.Lock()
	defer col.mu.Unlock()
	var failed *Metric
	for i := range col.metrics {
		if col.metrics[i].Error {
			failed = &col.metrics[i]
		}
	}
	if failed == nil || failed.ID != "a" || failed.Stage != StageEnhance {
		t.Fatalf("expected enhance error metric for chunk a, got %+v", col.metrics)
	}
	if !strings.Contains(failed.Detail, "quota exceeded") {
		t.Fatalf("expected cause in detail, got %q", failed.Detail)
	}
	found := false
	for _, l := range col.logs {
		if strings.Contains(l, "Chunk a") && strings.Contains(l, "enhance failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected failure log line, got %v", col.logs)
	}
}

func TestPersonaChangeAppliesToLaterItems(t *testing.T) {
	enh := &fakeEnhancer{}
	sp := &fakeSpeaker{}
	col := &collector{}
	p := New(context.Background(), testConfig(), &fakeTranscriber{}, enh, sp, col.hooks(), testLogger())
	defer p.Close()

	p.Enqueue(chunk("1", "first"))
	waitFor(t, "first speech", func() bool { return len(col.speechIDs()) == 1 })
	p.SetPersona("venti")
	p.Enqueue(chunk("2", "second"))
	waitFor(t, "second speech", func() bool { return len(col.speechIDs()) == 2 })

	reqs := enh.Requests()
	if reqs[0].PromptHint != persona.Lookup(persona.DefaultID).PromptHint {
		t.Fatalf("first request used wrong persona: %q", reqs[0].PromptHint)
	}
	if reqs[1].PromptHint != persona.Lookup("venti").PromptHint {
		t.Fatalf("second request used wrong persona: %q", reqs[1].PromptHint)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.voices[1] != persona.Lookup("venti").VoiceID {
		t.Fatalf("expected venti voice, got %q", sp.voices[1])
	}
}

func TestEnhanceRequestsCarrySessionID(t *testing.T) {
	enh := &fakeEnhancer{}
	col := &collector{}
	p := New(context.Background(), testConfig(), &fakeTranscriber{}, enh, &fakeSpeaker{}, col.hooks(), testLogger())
	defer p.Close()

	p.BeginSession("session-a")
	p.Enqueue(chunk("1", "first"))
	waitFor(t, "first speech", func() bool { return len(col.speechIDs()) == 1 })
	p.BeginSession("session-b")
	p.Enqueue(chunk("2", "second"))
	waitFor(t, "second speech", func() bool { return len(col.speechIDs()) == 2 })

	reqs := enh.Requests()
	if len(reqs) != 2 || reqs[0].SessionID != "session-a" || reqs[1].SessionID != "session-b" {
		t.Fatalf("unexpected session ids in %+v", reqs)
	}
	if reqs[1].ContextText != "" {
		t.Fatalf("new session inherited context %q", reqs[1].ContextText)
	}
}

func TestAppendContext(t *testing.T) {
	if got := appendContext("", "  hi ", 10); got != "hi" {
		t.Fatalf("got %q", got)
	}
	if got := appendContext("hi", "", 10); got != "hi" {
		t.Fatalf("empty append changed context: %q", got)
	}
	if got := appendContext("abcdef", "ghij", 6); got != "f ghij" {
		t.Fatalf("got %q", got)
	}
}
