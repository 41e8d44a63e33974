// Package captions captures live meeting captions and turns one meeting
// session into one deduplicated raw transcript.
package captions

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	minCaptionLength = 3
	sentenceKeyRunes = 50
)

// Chunk is a timestamped fragment of captioned speech.
type Chunk struct {
	Timestamp time.Time
	Text      string
}

// Session holds the mutable state of one meeting: the consolidated chunks,
// the last raw caption seen and the meeting metadata. It is owned by a single
// Collector and is not safe for concurrent use.
type Session struct {
	ID        string
	StartedAt time.Time
	Title     string

	chunks       []Chunk
	lastRaw      string
	participants map[string]struct{}
	now          func() time.Time
}

// NewSession starts an empty session. now may be nil.
func NewSession(now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:           uuid.NewString(),
		StartedAt:    now(),
		participants: make(map[string]struct{}),
		now:          now,
	}
}

// AddCaptionChunk consolidates a raw caption string into the session. Captions
// are re-rendered as the speaker talks, so an extension of the previous
// caption amends the last chunk instead of appending a new one. It reports
// whether the chunk list changed.
func (s *Session) AddCaptionChunk(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minCaptionLength || text == s.lastRaw {
		return false
	}

	prev := s.lastRaw
	if prev != "" && len(s.chunks) > 0 && strings.HasPrefix(text, prev) {
		s.chunks[len(s.chunks)-1].Text = text
		s.lastRaw = text
		return true
	}
	if prev != "" && strings.HasSuffix(prev, text) {
		return false
	}

	s.chunks = append(s.chunks, Chunk{Timestamp: s.now(), Text: text})
	s.lastRaw = text
	return true
}

// AddParticipants records participant names seen on the page.
func (s *Session) AddParticipants(names ...string) {
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			s.participants[n] = struct{}{}
		}
	}
}

// Participants returns the participant set, sorted.
func (s *Session) Participants() []string {
	out := make([]string, 0, len(s.participants))
	for n := range s.participants {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Chunks returns a copy of the consolidated chunks.
func (s *Session) Chunks() []Chunk {
	return append([]Chunk(nil), s.chunks...)
}

// Empty reports whether nothing was captured.
func (s *Session) Empty() bool {
	return len(s.chunks) == 0
}

// Transcript joins the chunks and drops consecutive near-duplicate sentences.
func (s *Session) Transcript() string {
	texts := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		texts[i] = c.Text
	}
	return dedupeSentences(strings.Join(texts, " "))
}

var (
	// A sentence ends at terminal punctuation followed by whitespace or the
	// end of the text, so "3.5" or "e.g." inside a word stays whole.
	sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s+|$)`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

// dedupeSentences removes a sentence when its key matches the sentence kept
// right before it. Corrected captions often repeat with small changes at the
// end, so the key is the lowercased first 50 characters.
func dedupeSentences(text string) string {
	var kept []string
	prevKey := ""
	for _, raw := range splitSentences(text) {
		sentence := strings.TrimSpace(spaceRun.ReplaceAllString(raw, " "))
		if sentence == "" {
			continue
		}
		key := sentenceKey(sentence)
		if key == prevKey {
			continue
		}
		kept = append(kept, sentence)
		prevKey = key
	}
	return strings.Join(kept, " ")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func sentenceKey(sentence string) string {
	key := strings.ToLower(sentence)
	if utf8.RuneCountInString(key) > sentenceKeyRunes {
		key = string([]rune(key)[:sentenceKeyRunes])
	}
	return key
}
