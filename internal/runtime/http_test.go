package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/superLin006/MTK-sense-voice/internal/audio"
	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
	"github.com/superLin006/MTK-sense-voice/internal/eventstore"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
	"github.com/superLin006/MTK-sense-voice/internal/pipeline"
	"github.com/superLin006/MTK-sense-voice/internal/protocol"
	"github.com/superLin006/MTK-sense-voice/internal/vocab"
)

const testTokens = `<blank> 0
<s> 1
</s> 2
你 3
好 4
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(t *testing.T, eng engine.Engine) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "transcripts.db")

	voc, err := vocab.Load(strings.NewReader(testTokens), newLogger())
	if err != nil {
		t.Fatalf("load vocab: %v", err)
	}
	extractor := frontend.ExtractorFunc(func(_ context.Context, buf *audio.Buffer) ([][]float32, error) {
		// One 80-bin frame per 10ms of audio.
		frames := make([][]float32, buf.Frames()/160)
		for i := range frames {
			frames[i] = make([]float32, frontend.DefaultMelBins)
		}
		return frames, nil
	})
	p, err := pipeline.New(pipeline.Options{
		Extractor:  extractor,
		Engine:     eng,
		Vocabulary: voc,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := New(cfg, newLogger())
	r.pipeline = p
	r.store = store
	return r
}

func wavBody(t *testing.T, seconds float64, rate, channels int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	n := int(seconds*float64(rate)) * channels
	if err := audio.WriteWAV(f, &audio.Buffer{Samples: make([]float32, n), SampleRate: rate, Channels: channels}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestTranscribeEndpoint(t *testing.T) {
	mock := &engine.Mock{VocabSize: 5, Path: []int{3, 3, 0, 4}}
	r := newTestRuntime(t, mock)

	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe?language=zh&text_norm=none", bytes.NewReader(wavBody(t, 1, 44100, 2)))
	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transcribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "你好" || len(resp.Tokens) != 2 {
		t.Fatalf("unexpected transcript %+v", resp)
	}
	// 1s at 16kHz -> 100 fbank frames -> floor((100-7)/6)+1 stacked frames.
	if resp.FeatureFrames != 100 || resp.Frames != 16 {
		t.Fatalf("unexpected frame counts %+v", resp)
	}
	if resp.Language != "zh" {
		t.Fatalf("expected language zh, got %q", resp.Language)
	}
	got := mock.Requests()[0]
	if got.Language != engine.LanguageChinese || got.TextNorm != engine.TextNormNone {
		t.Fatalf("query overrides not applied: %v %v", got.Language, got.TextNorm)
	}
	if _, err := uuid.Parse(resp.SessionID); err != nil {
		t.Fatalf("expected generated session id, got %q", resp.SessionID)
	}
}

func TestTranscribeEndpointPersistsSession(t *testing.T) {
	r := newTestRuntime(t, &engine.Mock{VocabSize: 5, Path: []int{4}})

	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe?session_id=hall", bytes.NewReader(wavBody(t, 0.5, 16000, 1)))
	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	records, err := r.store.ListTranscripts(context.Background(), "hall", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Text != "好" || records[0].Partial {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestTranscribeEndpointErrors(t *testing.T) {
	r := newTestRuntime(t, &engine.Mock{VocabSize: 5})

	tests := []struct {
		name   string
		target string
		body   []byte
		want   int
	}{
		{"bad language", "/v1/transcribe?language=fr", wavBody(t, 0.1, 16000, 1), http.StatusBadRequest},
		{"not a wav", "/v1/transcribe", []byte("not audio at all"), http.StatusBadRequest},
		{"too short", "/v1/transcribe", wavBody(t, 0.02, 16000, 1), http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.target, bytes.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	failing := newTestRuntime(t, engine.Func(func(context.Context, engine.Request) (*engine.HalfScores, error) {
		return nil, io.ErrUnexpectedEOF
	}))
	rec := httptest.NewRecorder()
	failing.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transcribe", bytes.NewReader(wavBody(t, 0.5, 16000, 1))))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for engine failure, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Kind != "inference_failure" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestTranscribeWithoutPipeline(t *testing.T) {
	r := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transcribe", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSessionTranscriptsEndpoint(t *testing.T) {
	r := newTestRuntime(t, &engine.Mock{VocabSize: 5})
	err := r.store.AppendTranscript(context.Background(), protocol.Transcript{
		SessionID: "kitchen", Text: "你好", Tokens: []int{3, 4}, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/kitchen/transcripts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []eventstore.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Text != "你好" {
		t.Fatalf("unexpected records %+v", records)
	}

	rec = httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/kitchen/transcripts?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRuntime(t, &engine.Mock{VocabSize: 5})
	handler := r.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty node list, got %d %s", rec.Code, rec.Body.String())
	}
}
