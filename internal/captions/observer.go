package captions

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
)

// PageObserver is a subscription to observations from a meeting page. The
// channel is closed when the page goes away.
type PageObserver interface {
	Events() <-chan PageEvent
}

// StreamObserver decodes newline-delimited JSON page events, as written by the
// browser extension bridge, from a reader.
type StreamObserver struct {
	events chan PageEvent
}

// NewStreamObserver starts decoding r in the background until EOF or until ctx
// is done. Malformed lines are logged and skipped.
func NewStreamObserver(ctx context.Context, r io.Reader) *StreamObserver {
	o := &StreamObserver{events: make(chan PageEvent, 64)}
	go o.read(ctx, r)
	return o
}

func (o *StreamObserver) Events() <-chan PageEvent {
	return o.events
}

func (o *StreamObserver) read(ctx context.Context, r io.Reader) {
	defer close(o.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev PageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("Skipping malformed page event", "error", err)
			continue
		}
		select {
		case o.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Page event stream failed", "error", err)
	}
}
