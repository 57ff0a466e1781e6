package vocab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ErrLoadFailure is returned when a vocabulary source is unreadable or yields no entries.
var ErrLoadFailure = errors.New("vocab: load failure")

// UnknownMarker is rendered in place of identifiers missing from the vocabulary.
const UnknownMarker = "<unk>"

const (
	blankToken   = "<blank>"
	unknownToken = "<unk>"
	startToken   = "<s>"
	endToken     = "</s>"
)

// Vocabulary maps token identifiers to display text. It is immutable after
// loading and safe for concurrent use.
type Vocabulary struct {
	tokens  map[int]string
	maxID   int
	blank   int
	unknown int
	start   int
	end     int
}

// New builds a vocabulary from an id->text map, detecting the special tokens by
// their display text.
func New(entries map[int]string) (*Vocabulary, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrLoadFailure)
	}
	v := newEmpty()
	for id, text := range entries {
		if id < 0 {
			return nil, fmt.Errorf("%w: negative id %d", ErrLoadFailure, id)
		}
		v.add(id, text)
	}
	return v, nil
}

func newEmpty() *Vocabulary {
	return &Vocabulary{
		tokens:  make(map[int]string),
		maxID:   -1,
		blank:   0,
		start:   1,
		end:     2,
		unknown: 2,
	}
}

func (v *Vocabulary) add(id int, text string) {
	v.tokens[id] = text
	v.maxID = max(v.maxID, id)
	switch text {
	case blankToken:
		v.blank = id
	case unknownToken:
		v.unknown = id
	case startToken:
		v.start = id
	case endToken:
		v.end = id
	}
}

// LoadFile reads a tokens file from disk.
func LoadFile(path string, log *slog.Logger) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}
	defer f.Close()
	v, err := Load(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Load parses "<text> <id>" lines. The last space on a line separates the
// display text from the identifier, so text may itself contain spaces. Lines
// that cannot be parsed are skipped with a warning.
func Load(r io.Reader, log *slog.Logger) (*Vocabulary, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := newEmpty()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			log.Warn("skipping vocabulary line without delimiter", slog.Int("line", lineNum))
			continue
		}
		id, err := strconv.Atoi(line[idx+1:])
		if err == nil && id < 0 {
			err = fmt.Errorf("negative id %d", id)
		}
		if err != nil {
			log.Warn("skipping vocabulary line with invalid id",
				slog.Int("line", lineNum),
				slog.String("error", err.Error()))
			continue
		}
		text := line[:idx]
		if prev, ok := v.tokens[id]; ok {
			log.Warn("duplicate vocabulary id, keeping last",
				slog.Int("line", lineNum),
				slog.Int("id", id),
				slog.String("previous", prev))
		}
		v.add(id, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailure, err)
	}
	if len(v.tokens) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrLoadFailure)
	}
	log.Debug("vocabulary loaded",
		slog.Int("entries", len(v.tokens)),
		slog.Int("size", v.Size()),
		slog.Int("blank_id", v.blank),
		slog.Int("unk_id", v.unknown),
		slog.Int("sos_id", v.start),
		slog.Int("eos_id", v.end))
	return v, nil
}

// Size is the score row length the vocabulary addresses: the highest id plus
// one. Ids skipped while loading leave gaps rather than shrinking it.
func (v *Vocabulary) Size() int { return v.maxID + 1 }

// Len is the number of loaded entries.
func (v *Vocabulary) Len() int { return len(v.tokens) }

func (v *Vocabulary) Blank() int   { return v.blank }
func (v *Vocabulary) Unknown() int { return v.unknown }
func (v *Vocabulary) Start() int   { return v.start }
func (v *Vocabulary) End() int     { return v.end }

// Lookup returns the display text for id.
func (v *Vocabulary) Lookup(id int) (string, bool) {
	text, ok := v.tokens[id]
	return text, ok
}

// Token returns the display text for id, or UnknownMarker.
func (v *Vocabulary) Token(id int) string {
	if text, ok := v.tokens[id]; ok {
		return text
	}
	return UnknownMarker
}

// Render concatenates the display text of tokens without separators.
// Blank, start and end identifiers are always dropped, as is any entry whose
// text is wrapped in angle brackets. Identifiers missing from the vocabulary
// render as UnknownMarker.
func (v *Vocabulary) Render(tokens []int) string {
	var b strings.Builder
	for _, id := range tokens {
		if id == v.blank || id == v.start || id == v.end {
			continue
		}
		text, ok := v.tokens[id]
		if !ok {
			b.WriteString(UnknownMarker)
			continue
		}
		if IsControl(text) {
			continue
		}
		b.WriteString(text)
	}
	return b.String()
}

// IsControl reports whether text is a reserved marker such as "<s>" or "<|en|>".
func IsControl(text string) bool {
	return len(text) >= 2 && strings.HasPrefix(text, "<") && strings.HasSuffix(text, ">")
}
