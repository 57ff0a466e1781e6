package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/superLin006/MTK-sense-voice/internal/bus"
	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/natsserver"
	"github.com/superLin006/MTK-sense-voice/internal/protocol"
)

type memorySink struct {
	mu          sync.Mutex
	transcripts []protocol.Transcript
}

func (m *memorySink) AppendTranscript(_ context.Context, t protocol.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts = append(m.transcripts, t)
	return nil
}

func (m *memorySink) all() []protocol.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Transcript(nil), m.transcripts...)
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceTranscribesFinalSession(t *testing.T) {
	client := startBus(t)
	sink := &memorySink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.STTConfig{Enabled: true, TimeoutMS: 5000}, client, NewMockRecognizer(), sink, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected service to report healthy after start")
	}

	finals := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	frames := []protocol.AudioFrame{
		{SessionID: "s1", Sequence: 0, SampleRate: 8000, Channels: 2, PCM: make([]byte, 400)},
		{SessionID: "s1", Sequence: 1, SampleRate: 8000, Channels: 2, PCM: make([]byte, 400), Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.AudioFrameSubject(f.SessionID), f); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}

	select {
	case msg := <-finals:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "s1" || tr.Partial {
			t.Fatalf("unexpected transcript %+v", tr)
		}
		if !strings.Contains(tr.Text, "frames=200") || !strings.Contains(tr.Text, "rate=8000") {
			t.Fatalf("expected per-session format to reach recognizer, got %q", tr.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.all(); len(got) != 1 || got[0].SessionID != "s1" {
		t.Fatalf("expected one persisted transcript, got %+v", got)
	}
}

func TestShouldSchedulePartialWaitsForAudio(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.STTConfig{Enabled: true, PublishInterim: true, PartialEveryMS: 800, MinPartialMS: 100}, nil, NewMockRecognizer(), nil, logger)
	defer svc.Close()

	// 50ms of 16kHz mono 16-bit audio.
	state := &sessionState{SampleRate: 16000, Channels: 1, Buffer: make([]byte, 1600)}
	svc.sessions["short"] = state
	if svc.shouldSchedulePartial("short") {
		t.Fatal("expected no partial below the minimum buffered audio")
	}
	if !state.LastPartial.IsZero() {
		t.Fatal("skipped partial must not start the interval clock")
	}

	state.Buffer = append(state.Buffer, make([]byte, 1600)...)
	if !svc.shouldSchedulePartial("short") {
		t.Fatal("expected a partial once 100ms is buffered")
	}
	if svc.shouldSchedulePartial("short") {
		t.Fatal("expected the partial interval to apply after the first partial")
	}
}

func TestSessionBufferedDuration(t *testing.T) {
	state := &sessionState{SampleRate: 8000, Channels: 2, Buffer: make([]byte, 32000)}
	if got := state.buffered(); got != time.Second {
		t.Fatalf("expected 1s buffered, got %v", got)
	}
	if got := (&sessionState{Buffer: make([]byte, 10)}).buffered(); got != 0 {
		t.Fatalf("expected zero duration without a format, got %v", got)
	}
}

func TestServiceDisabledIsHealthy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(context.Background(), config.STTConfig{}, nil, NewMockRecognizer(), nil, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}

func TestMockRecognizer(t *testing.T) {
	res, err := NewMockRecognizer().Transcribe(context.Background(), make([]byte, 64), 16000, 1, false)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[partial transcript frames=32 rate=16000]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}
