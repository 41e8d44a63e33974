package models

import "time"

// CaptionHandoff is the finalized (or recovered) output of one live caption
// session. It is written to the captions bucket as JSON and read back by the
// caption-ingest function.
type CaptionHandoff struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	Transcript   string    `json:"transcript"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	Recovered    bool      `json:"recovered,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}
