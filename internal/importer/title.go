package importer

import (
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/transcriptflow/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const maxTitleRunes = 200

var titleCaser = cases.Title(language.English)

// DescriptiveTitle builds the display name an imported document is renamed
// to, e.g. "2025-06-01 Technical Interview - Jane Doe with Sam Lee". It
// returns "" when the analysis carries nothing worth naming the file after.
func DescriptiveTitle(a models.TranscriptAnalysis, doc models.RemoteDocument) string {
	var parts []string
	if t := strings.TrimSpace(a.MeetingType); t != "" {
		parts = append(parts, titleCaser.String(t))
	}

	who := strings.TrimSpace(a.CandidateName)
	if iv := strings.TrimSpace(a.Interviewer); iv != "" {
		if who != "" {
			who += " with " + iv
		} else {
			who = iv
		}
	}
	if who != "" {
		parts = append(parts, who)
	}

	if len(parts) == 0 {
		t := strings.TrimSpace(a.MeetingTitle)
		if t == "" {
			return ""
		}
		parts = append(parts, t)
	}

	title := strings.Join(parts, " - ")
	date := strings.TrimSpace(a.MeetingDate)
	if date == "" && !doc.CreatedTime.IsZero() {
		date = doc.CreatedTime.UTC().Format("2006-01-02")
	}
	if date != "" {
		title = date + " " + title
	}
	title = strings.Join(strings.Fields(title), " ")

	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
