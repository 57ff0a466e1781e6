// Package engine defines the boundary to the acoustic model runtime: stacked
// feature frames go in, half-precision per-frame symbol scores come out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/superLin006/MTK-sense-voice/internal/fp16"
)

// ErrInferenceFailure wraps every error raised by a model runtime.
var ErrInferenceFailure = errors.New("engine: inference failed")

// ErrScoresReleased is returned when HalfScores are widened twice.
var ErrScoresReleased = errors.New("engine: scores already released")

// Language is the language prompt id fed to the model.
type Language int

const (
	LanguageAuto      Language = 0
	LanguageChinese   Language = 3
	LanguageEnglish   Language = 4
	LanguageCantonese Language = 5
	LanguageJapanese  Language = 6
	LanguageKorean    Language = 7
)

var languageNames = map[Language]string{
	LanguageAuto:      "auto",
	LanguageChinese:   "zh",
	LanguageEnglish:   "en",
	LanguageCantonese: "yue",
	LanguageJapanese:  "ja",
	LanguageKorean:    "ko",
}

func (l Language) String() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return "language(" + strconv.Itoa(int(l)) + ")"
}

// ParseLanguage accepts a language name (auto, zh, en, yue, ja, ko) or its
// numeric id. The empty string is auto.
func ParseLanguage(s string) (Language, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LanguageAuto, nil
	}
	for id, name := range languageNames {
		if name == s {
			return id, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := languageNames[Language(n)]; ok {
			return Language(n), nil
		}
	}
	return 0, fmt.Errorf("unknown language %q", s)
}

// TextNorm selects whether the model emits punctuation and inverse text
// normalization.
type TextNorm int

const (
	TextNormNone       TextNorm = 14
	TextNormPunctuated TextNorm = 15
)

func (n TextNorm) String() string {
	switch n {
	case TextNormNone:
		return "none"
	case TextNormPunctuated:
		return "punctuated"
	default:
		return "textnorm(" + strconv.Itoa(int(n)) + ")"
	}
}

// ParseTextNorm accepts none or punctuated, or the numeric ids 14 and 15.
// The empty string is punctuated.
func ParseTextNorm(s string) (TextNorm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "punctuated", "15":
		return TextNormPunctuated, nil
	case "none", "14":
		return TextNormNone, nil
	default:
		return 0, fmt.Errorf("unknown text normalization %q", s)
	}
}

// Request is one inference call.
type Request struct {
	// Features holds stacked frames, each 560 values wide.
	Features [][]float32
	Language Language
	TextNorm TextNorm
}

// HalfScores is the raw model output: row-major [frame][symbol] scores in
// IEEE-754 half precision. Widen converts it once and releases the buffer.
type HalfScores struct {
	Data      []uint16
	VocabSize int
}

// Frames returns len(Data)/VocabSize. A remainder is reported by the decoder
// as a dimension mismatch.
func (h *HalfScores) Frames() int {
	if h.VocabSize <= 0 {
		return 0
	}
	return len(h.Data) / h.VocabSize
}

// Widen returns the scores in single precision and drops the half buffer.
// Calling it again returns ErrScoresReleased.
func (h *HalfScores) Widen() ([]float32, error) {
	if h.Data == nil {
		return nil, ErrScoresReleased
	}
	out := fp16.Widen(h.Data)
	h.Data = nil
	return out, nil
}

// Engine runs the acoustic model.
type Engine interface {
	Infer(ctx context.Context, req Request) (*HalfScores, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req Request) (*HalfScores, error)

func (f Func) Infer(ctx context.Context, req Request) (*HalfScores, error) {
	return f(ctx, req)
}
