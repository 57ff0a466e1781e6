package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/superLin006/MTK-sense-voice/internal/audio"
	"github.com/superLin006/MTK-sense-voice/internal/capability"
	"github.com/superLin006/MTK-sense-voice/internal/ctc"
	"github.com/superLin006/MTK-sense-voice/internal/engine"
	"github.com/superLin006/MTK-sense-voice/internal/eventstore"
	"github.com/superLin006/MTK-sense-voice/internal/frontend"
	"github.com/superLin006/MTK-sense-voice/internal/pipeline"
	"github.com/superLin006/MTK-sense-voice/internal/protocol"
)

type transcribeResponse struct {
	SessionID     string  `json:"session_id"`
	Text          string  `json:"text"`
	Tokens        []int   `json:"tokens"`
	Frames        int     `json:"frames"`
	FeatureFrames int     `json:"feature_frames"`
	OutputFrames  int     `json:"output_frames"`
	RTF           float64 `json:"rtf"`
	Language      string  `json:"language"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}
	mux.HandleFunc("POST /v1/transcribe", r.handleTranscribe)
	mux.HandleFunc("GET /v1/sessions/{id}/transcripts", r.handleSessionTranscripts)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

// handleTranscribe recognizes a WAV request body. Query parameters language
// and text_norm override the configured prompt. The transcript is stored
// under session_id, or a generated id when none is given.
func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	if r.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "recognition pipeline not configured"})
		return
	}

	var opts []pipeline.Option
	lang := engine.LanguageAuto
	if v := req.URL.Query().Get("language"); v != "" {
		parsed, err := engine.ParseLanguage(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		lang = parsed
		opts = append(opts, pipeline.WithLanguage(parsed))
	} else if parsed, err := engine.ParseLanguage(r.cfg.Pipeline.Language); err == nil {
		lang = parsed
	}
	if v := req.URL.Query().Get("text_norm"); v != "" {
		norm, err := engine.ParseTextNorm(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		opts = append(opts, pipeline.WithTextNorm(norm))
	}

	limit := int64(r.cfg.HTTP.MaxUploadMB) << 20
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	buf, err := audio.ReadWAV(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	res, err := r.pipeline.Recognize(req.Context(), buf, opts...)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: pipeline.ErrorKind(err)})
		return
	}
	if r.store != nil {
		transcript := protocol.Transcript{
			SessionID: sessionID,
			Text:      res.Text,
			Tokens:    res.Tokens,
			Timestamp: time.Now().UTC(),
			RTF:       res.RTF,
		}
		if err := r.store.AppendTranscript(req.Context(), transcript); err != nil {
			r.logger.Warn("persist transcript failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		SessionID:     sessionID,
		Text:          res.Text,
		Tokens:        res.Tokens,
		Frames:        res.StackedFrames,
		FeatureFrames: res.FeatureFrames,
		OutputFrames:  res.OutputFrames,
		RTF:           res.RTF,
		Language:      lang.String(),
	})
}

func (r *Runtime) handleSessionTranscripts(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event store not open"})
		return
	}
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := r.store.ListTranscripts(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("list transcripts failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list transcripts failed"})
		return
	}
	if records == nil {
		records = []eventstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		writeJSON(w, http.StatusOK, []capability.NodeInfo{})
		return
	}
	var filter func(capability.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	writeJSON(w, http.StatusOK, r.registry.Query(filter))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrUnsupportedChannelLayout),
		errors.Is(err, frontend.ErrInsufficientFrames):
		return http.StatusUnprocessableEntity
	case errors.Is(err, frontend.ErrDimensionMismatch),
		errors.Is(err, ctc.ErrDimensionMismatch),
		errors.Is(err, engine.ErrInferenceFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
