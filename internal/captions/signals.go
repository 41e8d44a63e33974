package captions

import (
	"net/url"
	"strings"
	"time"
)

// EventKind identifies what a PageEvent observed.
type EventKind string

const (
	EventCaption    EventKind = "caption"
	EventClick      EventKind = "click"
	EventNavigate   EventKind = "navigate"
	EventText       EventKind = "text"
	EventVisibility EventKind = "visibility"
	EventUnload     EventKind = "unload"
	EventMeta       EventKind = "meta"
)

// PageEvent is one observation from the meeting page: a caption update, a
// control activation, a navigation or a DOM text change.
type PageEvent struct {
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text,omitempty"`
	Target       string    `json:"target,omitempty"`
	URL          string    `json:"url,omitempty"`
	Hidden       bool      `json:"hidden,omitempty"`
	Title        string    `json:"title,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	At           time.Time `json:"at"`
}

// Verdict is what a Signal concluded from an event.
type Verdict int

const (
	NoVerdict Verdict = iota
	// EndSession finalizes right away.
	EndSession
	// EndSessionAfterSettle finalizes once the settle delay has passed; the
	// page keeps rendering captions for a moment after the leave control.
	EndSessionAfterSettle
	// Teardown means the page is going away without a normal end. The
	// partial transcript is saved for recovery and nothing is delivered.
	Teardown
)

// Signal is one independent, best-effort end-of-session detector.
type Signal interface {
	Name() string
	Check(ev PageEvent) Verdict
}

// LeaveSignal fires when a control whose label looks like "leave call" is
// activated.
type LeaveSignal struct {
	Labels []string
}

func (s LeaveSignal) Name() string { return "leave-control" }

func (s LeaveSignal) Check(ev PageEvent) Verdict {
	if ev.Kind != EventClick {
		return NoVerdict
	}
	if containsAny(ev.Target, s.Labels) {
		return EndSessionAfterSettle
	}
	return NoVerdict
}

// NavigationSignal fires when the page navigates off the call host.
type NavigationSignal struct {
	CallHost string
}

func (s NavigationSignal) Name() string { return "navigation" }

func (s NavigationSignal) Check(ev PageEvent) Verdict {
	if ev.Kind != EventNavigate || ev.URL == "" {
		return NoVerdict
	}
	u, err := url.Parse(ev.URL)
	if err != nil || u.Host == "" {
		return NoVerdict
	}
	if !strings.EqualFold(u.Hostname(), s.CallHost) {
		return EndSession
	}
	return NoVerdict
}

// PhraseSignal fires when page text contains a known end-of-call phrase.
type PhraseSignal struct {
	Phrases []string
}

func (s PhraseSignal) Name() string { return "end-phrase" }

func (s PhraseSignal) Check(ev PageEvent) Verdict {
	if ev.Kind != EventText {
		return NoVerdict
	}
	if containsAny(ev.Text, s.Phrases) {
		return EndSession
	}
	return NoVerdict
}

// TeardownSignal fires when the page is hidden or unloaded.
type TeardownSignal struct{}

func (TeardownSignal) Name() string { return "teardown" }

func (TeardownSignal) Check(ev PageEvent) Verdict {
	switch {
	case ev.Kind == EventUnload:
		return Teardown
	case ev.Kind == EventVisibility && ev.Hidden:
		return Teardown
	}
	return NoVerdict
}

// DefaultSignals returns the built-in detectors in priority order.
func DefaultSignals(callHost string) []Signal {
	return []Signal{
		LeaveSignal{Labels: []string{"leave call", "leave meeting", "end call", "hang up"}},
		NavigationSignal{CallHost: callHost},
		PhraseSignal{Phrases: []string{
			"you left the meeting",
			"return to home screen",
			"the call has ended",
			"you've been removed from the meeting",
			"meeting ended",
		}},
		TeardownSignal{},
	}
}

// evaluate returns the first verdict any signal reaches, with its name.
func evaluate(signals []Signal, ev PageEvent) (Verdict, string) {
	for _, s := range signals {
		if v := s.Check(ev); v != NoVerdict {
			return v, s.Name()
		}
	}
	return NoVerdict, ""
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
