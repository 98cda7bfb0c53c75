package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	lector "github.com/loqalabs/loqa-lector"
	"github.com/loqalabs/loqa-lector/internal/controller"
	"github.com/loqalabs/loqa-lector/internal/persona"
	"github.com/loqalabs/loqa-lector/internal/pipeline"
)

type fakeSession struct {
	mu       sync.Mutex
	state    controller.State
	persona  string
	mode     string
	fileName string
	fileData []byte
	startErr error
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.state != controller.StateIdle {
		return fmt.Errorf("%w: %s", lector.ErrBusy, f.state)
	}
	f.state = controller.StateRecording
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	f.state = controller.StateIdle
	f.mu.Unlock()
}

func (f *fakeSession) Reset() { f.Stop() }

func (f *fakeSession) SetPersona(id string) persona.Persona {
	p := persona.Lookup(id)
	f.mu.Lock()
	f.persona = p.ID
	f.mu.Unlock()
	return p
}

func (f *fakeSession) SetPlaybackMode(mode string) error {
	if mode != "ai" && mode != "original" {
		return fmt.Errorf("unknown playback mode %q", mode)
	}
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ProcessFile(_ context.Context, name string, data []byte) error {
	if len(data) == 0 {
		return lector.ErrEmptyInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileName, f.fileData = name, data
	f.state = controller.StateProcessingFile
	return nil
}

func (f *fakeSession) upload() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileName, string(f.fileData)
}

func (f *fakeSession) Snapshot() controller.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controller.Snapshot{State: f.state, Persona: f.persona}
}

func (f *fakeSession) Logs() []controller.LogEntry {
	return []controller.LogEntry{{Timestamp: time.Unix(2, 0), Message: "second"}, {Timestamp: time.Unix(1, 0), Message: "first"}}
}

func (f *fakeSession) Metrics() []pipeline.Metric {
	return []pipeline.Metric{{ID: "chunk-0", Stage: pipeline.StageSTT, DurationMS: 12}}
}

func newTestServer(t *testing.T, sess *fakeSession) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(sess, Options{StatusInterval: 20 * time.Millisecond, MaxUploadBytes: 1024}, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartStopAndBusy(t *testing.T) {
	sess := &fakeSession{state: controller.StateIdle}
	ts := newTestServer(t, sess)

	if resp := post(t, ts.URL+"/v1/session/start", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	resp := post(t, ts.URL+"/v1/session/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", resp.StatusCode)
	}
	var errBody errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Code != "busy" {
		t.Fatalf("unexpected error body %+v %v", errBody, err)
	}

	resp = post(t, ts.URL+"/v1/session/stop", "")
	var snap controller.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != controller.StateIdle {
		t.Fatalf("state after stop %q", snap.State)
	}
}

func TestDeviceUnavailableMapsTo503(t *testing.T) {
	sess := &fakeSession{state: controller.StateIdle, startErr: fmt.Errorf("start capture: %w", lector.ErrDeviceUnavailable)}
	ts := newTestServer(t, sess)
	if resp := post(t, ts.URL+"/v1/session/start", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestPersonaAndMode(t *testing.T) {
	sess := &fakeSession{state: controller.StateIdle}
	ts := newTestServer(t, sess)

	resp := post(t, ts.URL+"/v1/persona", `{"id":"venti"}`)
	var p persona.Persona
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "venti" {
		t.Fatalf("unexpected persona %+v", p)
	}

	if resp := post(t, ts.URL+"/v1/playback/mode", `{"mode":"original"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("mode status %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/v1/playback/mode", `{"mode":"loud"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad mode, got %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/v1/persona", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/v1/personas")
	if err != nil {
		t.Fatalf("get personas: %v", err)
	}
	defer get.Body.Close()
	var list struct {
		Personas []persona.Persona `json:"personas"`
		Current  string            `json:"current"`
	}
	if err := json.NewDecoder(get.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Personas) != len(persona.All()) || list.Current != "venti" {
		t.Fatalf("unexpected persona list %+v", list)
	}
}

func TestUploadMultipartAndRaw(t *testing.T) {
	sess := &fakeSession{state: controller.StateIdle}
	ts := newTestServer(t, sess)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../lecture.wav")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte("RIFFdata"))
	_ = mw.Close()
	resp, err := http.Post(ts.URL+"/v1/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if name, data := sess.upload(); name != "lecture.wav" || data != "RIFFdata" {
		t.Fatalf("unexpected upload %q %q", name, data)
	}

	sess.Stop()
	resp, err = http.Post(ts.URL+"/v1/files?name=talk.mp3", "audio/mpeg", strings.NewReader("ID3"))
	if err != nil {
		t.Fatalf("raw upload: %v", err)
	}
	resp.Body.Close()
	if name, _ := sess.upload(); resp.StatusCode != http.StatusAccepted || name != "talk.mp3" {
		t.Fatalf("raw upload status %d name %q", resp.StatusCode, name)
	}

	resp, err = http.Post(ts.URL+"/v1/files", "audio/wav", strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty upload, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/files", "audio/wav", bytes.NewReader(make([]byte, 4096)))
	if err != nil {
		t.Fatalf("large upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestLogsAndChunkMetrics(t *testing.T) {
	ts := newTestServer(t, &fakeSession{state: controller.StateIdle})

	resp, err := http.Get(ts.URL + "/v1/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var logs struct {
		Logs []controller.LogEntry `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(logs.Logs) != 2 || logs.Logs[0].Message != "second" {
		t.Fatalf("unexpected logs %+v", logs)
	}

	resp2, err := http.Get(ts.URL + "/v1/metrics/chunks")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp2.Body.Close()
	var metrics struct {
		Metrics []pipeline.Metric `json:"metrics"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(metrics.Metrics) != 1 || metrics.Metrics[0].Stage != pipeline.StageSTT {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestReadyzReflectsReadiness(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ready := false
	srv := New(&fakeSession{}, Options{Ready: func() bool { return ready }}, logger)
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusSocketPushesSnapshots(t *testing.T) {
	sess := &fakeSession{state: controller.StateIdle}
	ts := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first controller.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.State != controller.StateIdle {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var snap controller.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read: %v", err)
		}
		if snap.State == controller.StateRecording {
			return
		}
	}
}
