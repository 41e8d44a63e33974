// Package transcript turns free-form transcript text into ordered,
// speaker-tagged lines for the viewer and the analysis pipeline.
package transcript

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Line is a single normalized unit of a transcript. Timestamp and Speaker are
// nil for plain lines.
type Line struct {
	ID        string  `json:"id"`
	Timestamp *string `json:"timestamp"`
	Speaker   *string `json:"speaker"`
	Content   string  `json:"content"`
}

// headerGrammar describes one header syntax. The first capture group is the
// timestamp, the second the speaker.
type headerGrammar struct {
	name    string
	pattern *regexp.Regexp
}

// headerGrammars are scanned together; matches are ordered by position.
var headerGrammars = []headerGrammar{
	// * 05:30 ✅ : (Alice)
	{name: "starred", pattern: regexp.MustCompile(`\*[ \t]*(\d{1,2}:\d{2}(?::\d{2})?)[ \t]+[^:\n]*?:[ \t]*\(([^)\n]*)\)`)},
	// [Transcript] 05:30 Alice:
	{name: "tagged", pattern: regexp.MustCompile(`\[Transcript\][ \t]*(\d{1,2}:\d{2}(?::\d{2})?)[ \t]+([^:\n]*?)[ \t]*:`)},
	// [05:30] Alice:
	{name: "bracketed", pattern: regexp.MustCompile(`(?m)^[ \t]*\[(\d{1,2}:\d{2}(?::\d{2})?)\][ \t]+([^:\n\[]*?)[ \t]*:`)},
}

var (
	// boilerplateLine matches a whole preamble line added by the meeting tool.
	boilerplateLine = regexp.MustCompile(`(?i)^\s*(?:this editable transcript was computer generated\b.*|transcript|meeting started(?:\s*(?:at|on|:)?\s*[\d/:., apm-]*)?)\s*$`)
	chatSuffix      = regexp.MustCompile(`(?i)\s*\(chat\)\s*$`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

type header struct {
	start, end int
	timestamp  string
	speaker    string
}

// Parse splits text into transcript lines. It never returns an empty slice for
// input that contains non-whitespace characters.
func Parse(text string) []Line {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Line{}
	}

	headers := findHeaders(text)
	if len(headers) == 0 {
		return []Line{{ID: lineID(0), Content: trimmed}}
	}

	var lines []Line
	appendPlain := func(content string) {
		content = collapse(content)
		if content == "" {
			return
		}
		lines = append(lines, Line{ID: lineID(len(lines)), Content: content})
	}

	appendPlain(stripBoilerplate(text[:headers[0].start]))

	for i, h := range headers {
		contentEnd := len(text)
		if i+1 < len(headers) {
			contentEnd = headers[i+1].start
		}
		content := strings.TrimSpace(text[h.end:contentEnd])
		speaker := strings.TrimSpace(chatSuffix.ReplaceAllString(h.speaker, ""))

		if speaker == "" || content == "" {
			appendPlain(text[h.start:contentEnd])
			continue
		}

		ts := h.timestamp
		lines = append(lines, Line{
			ID:        lineID(len(lines)),
			Timestamp: &ts,
			Speaker:   &speaker,
			Content:   content,
		})
	}

	if len(lines) == 0 {
		return []Line{{ID: lineID(0), Content: trimmed}}
	}
	return lines
}

// stripBoilerplate drops the known tool-generated lines from the text before
// the first header and keeps everything else.
func stripBoilerplate(preamble string) string {
	var kept []string
	for _, line := range strings.Split(preamble, "\n") {
		if boilerplateLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Speakers returns the distinct speakers in order of first appearance.
func Speakers(lines []Line) []string {
	seen := make(map[string]bool)
	var speakers []string
	for _, l := range lines {
		if l.Speaker == nil || seen[*l.Speaker] {
			continue
		}
		seen[*l.Speaker] = true
		speakers = append(speakers, *l.Speaker)
	}
	return speakers
}

// findHeaders collects matches from every grammar and orders them by
// position. A match overlapping an earlier one is dropped.
func findHeaders(text string) []header {
	var found []header
	for _, g := range headerGrammars {
		for _, m := range g.pattern.FindAllStringSubmatchIndex(text, -1) {
			found = append(found, header{
				start:     m[0],
				end:       m[1],
				timestamp: text[m[2]:m[3]],
				speaker:   text[m[4]:m[5]],
			})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })

	headers := found[:0]
	lastEnd := -1
	for _, h := range found {
		if h.start < lastEnd {
			continue
		}
		headers = append(headers, h)
		lastEnd = h.end
	}
	return headers
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func lineID(i int) string {
	return fmt.Sprintf("line-%d", i)
}
