package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/superLin006/MTK-sense-voice/internal/bus"
	"github.com/superLin006/MTK-sense-voice/internal/config"
	"github.com/superLin006/MTK-sense-voice/internal/protocol"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultMinPartial = 200 * time.Millisecond
)

// TranscriptSink persists transcripts after they are published.
type TranscriptSink interface {
	AppendTranscript(ctx context.Context, t protocol.Transcript) error
}

// Service buffers audio frames per session and transcribes them when the
// session ends, optionally publishing interim results on the way.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	sink       TranscriptSink
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	Buffer       []byte
	SampleRate   int
	Channels     int
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

// NewService wires a recognizer to the bus. sink may be nil.
func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, sink TranscriptSink, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		sink:       sink,
		log:        log.With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("stt service listening", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
		}
		if state.SampleRate <= 0 {
			state.SampleRate = defaultSampleRate
		}
		if state.Channels <= 0 {
			state.Channels = defaultChannels
		}
		s.sessions[frame.SessionID] = state
	}
	if (frame.SampleRate > 0 && frame.SampleRate != state.SampleRate) ||
		(frame.Channels > 0 && frame.Channels != state.Channels) {
		s.mu.Unlock()
		s.log.Warn("dropping frame with changed audio format",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence))
		return
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil {
		return false
	}
	if state.Inflight {
		return false
	}
	// Shorter buffers cannot fill one stacked frame.
	if state.buffered() < s.minPartial() {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	rate, channels := state.SampleRate, state.Channels
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout())
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, rate, channels, final)
		if err != nil {
			s.log.Warn("stt transcription failed",
				slog.String("session_id", sessionID),
				slog.Bool("final", final),
				slogError(err))
		} else {
			s.publishTranscript(ctx, sessionID, result, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
			if !final {
				state.LastPartial = time.Now()
			}
			if final {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *sessionState) buffered() time.Duration {
	bytesPerSecond := s.SampleRate * s.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(s.Buffer)) * time.Second / time.Duration(bytesPerSecond)
}

func (s *Service) minPartial() time.Duration {
	if s.cfg.MinPartialMS <= 0 {
		return defaultMinPartial
	}
	return time.Duration(s.cfg.MinPartialMS) * time.Millisecond
}

func (s *Service) timeout() time.Duration {
	if s.cfg.TimeoutMS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(s.cfg.TimeoutMS) * time.Millisecond
}

func (s *Service) publishTranscript(ctx context.Context, sessionID string, result TranscriptResult, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      result.Text,
		Tokens:    result.Tokens,
		Partial:   !final,
		Timestamp: time.Now().UTC(),
		RTF:       result.RTF,
	}
	// Empty finals are still published; empty partials are dropped.
	if msg.Text == "" && !final {
		return
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
	if final && s.sink != nil {
		if err := s.sink.AppendTranscript(ctx, msg); err != nil {
			s.log.Warn("failed to persist transcript",
				slog.String("session_id", sessionID),
				slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
