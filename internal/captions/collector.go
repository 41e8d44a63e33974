package captions

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/transcriptflow/internal/models"
)

// Sink receives finalized transcripts.
type Sink interface {
	Deliver(ctx context.Context, h models.CaptionHandoff) error
}

// RecoveryStore keeps partial transcripts of sessions that ended abnormally.
type RecoveryStore interface {
	Save(ctx context.Context, h models.CaptionHandoff) error
	Pending(ctx context.Context) ([]models.CaptionHandoff, error)
	Delete(ctx context.Context, sessionID string) error
}

// Config tunes the collector. Zero values fall back to the defaults; a
// negative SettleDelay finalizes as soon as the leave control is seen.
type Config struct {
	CallHost    string
	SettleDelay time.Duration
	CoolDown    time.Duration
	Signals     []Signal

	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

const (
	DefaultCallHost    = "meet.google.com"
	DefaultSettleDelay = 2 * time.Second
	DefaultCoolDown    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CallHost == "" {
		c.CallHost = DefaultCallHost
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.CoolDown == 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.Signals == nil {
		c.Signals = DefaultSignals(c.CallHost)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	return c
}

// Collector drives one Session per meeting from page events and hands each
// session off exactly once. All state is touched only from the goroutine
// running Run.
type Collector struct {
	cfg      Config
	sink     Sink
	recovery RecoveryStore
	logger   *slog.Logger

	session   *Session
	triggered bool
	settleC   <-chan time.Time
	coolDownC <-chan time.Time
}

// NewCollector creates a collector. recovery may be nil, in which case
// abnormal teardown only logs.
func NewCollector(cfg Config, sink Sink, recovery RecoveryStore) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		cfg:      cfg,
		sink:     sink,
		recovery: recovery,
		logger:   slog.Default(),
	}
	c.session = NewSession(cfg.Now)
	return c
}

// Session returns the session currently being captured.
func (c *Collector) Session() *Session {
	return c.session
}

// Run consumes events until the observer closes or ctx is done. Either way
// the in-flight session is saved for recovery if it captured anything.
func (c *Collector) Run(ctx context.Context, observer PageObserver) error {
	events := observer.Events()
	c.logger.Info("Caption collector started.", "sessionId", c.session.ID)

	for {
		select {
		case <-ctx.Done():
			c.teardown(context.WithoutCancel(ctx), "context cancelled")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				c.teardown(ctx, "page observer closed")
				return nil
			}
			c.Handle(ctx, ev)

		case <-c.settleC:
			c.settleC = nil
			c.finalize(ctx)

		case <-c.coolDownC:
			c.coolDownC = nil
			c.triggered = false
			c.logger.Debug("End-of-session cool-down elapsed.")
		}
	}
}

// Handle applies a single page event.
func (c *Collector) Handle(ctx context.Context, ev PageEvent) {
	switch ev.Kind {
	case EventCaption:
		c.session.AddCaptionChunk(ev.Text)
		return
	case EventMeta:
		if ev.Title != "" {
			c.session.Title = ev.Title
		}
		c.session.AddParticipants(ev.Participants...)
		return
	}

	verdict, signal := evaluate(c.cfg.Signals, ev)
	switch verdict {
	case NoVerdict:
		return
	case Teardown:
		c.teardown(ctx, signal)
		return
	}

	if c.triggered {
		c.logger.Debug("End-of-session already triggered, ignoring.", "signal", signal)
		return
	}
	c.triggered = true
	c.coolDownC = c.cfg.After(c.cfg.CoolDown)
	c.logger.Info("End of session detected.", "signal", signal, "sessionId", c.session.ID)

	if verdict == EndSessionAfterSettle && c.cfg.SettleDelay > 0 {
		c.settleC = c.cfg.After(c.cfg.SettleDelay)
		return
	}
	c.finalize(ctx)
}

// DeliveryFailedReason marks a recovery entry saved because the finalized
// transcript could not be delivered.
const DeliveryFailedReason = "delivery-failed"

// finalize hands the current session off and starts a fresh one. The
// recovery entry is cleared only once the sink has the transcript; a failed
// delivery is saved for RecoverPending instead.
func (c *Collector) finalize(ctx context.Context) {
	sess := c.session
	c.session = NewSession(c.cfg.Now)
	logCtx := c.logger.With("sessionId", sess.ID)

	text := sess.Transcript()
	if text == "" {
		c.clearRecovery(ctx, logCtx, sess.ID)
		logCtx.Info("Session ended with no captions captured; nothing to deliver.")
		return
	}

	h := c.handoff(sess, text)
	if err := c.sink.Deliver(ctx, h); err != nil {
		logCtx.Error("Failed to deliver caption transcript", "error", err)
		if c.recovery == nil {
			return
		}
		h.Reason = DeliveryFailedReason
		if err := c.recovery.Save(ctx, h); err != nil {
			logCtx.Error("Failed to save undelivered transcript", "error", err)
			return
		}
		logCtx.Info("Undelivered transcript saved for recovery.")
		return
	}
	c.clearRecovery(ctx, logCtx, sess.ID)
	logCtx.Info("Caption transcript delivered.", "chars", len(text), "participants", len(h.Participants))
}

func (c *Collector) clearRecovery(ctx context.Context, logCtx *slog.Logger, sessionID string) {
	if c.recovery == nil {
		return
	}
	if err := c.recovery.Delete(ctx, sessionID); err != nil {
		logCtx.Warn("Failed to clear recovery entry", "error", err)
	}
}

// teardown saves the partial transcript without delivering it. The session
// keeps capturing; if it later ends normally the recovery entry is cleared.
func (c *Collector) teardown(ctx context.Context, reason string) {
	logCtx := c.logger.With("sessionId", c.session.ID, "reason", reason)
	if c.session.Empty() {
		return
	}
	if c.recovery == nil {
		logCtx.Warn("Page torn down with an undelivered transcript and no recovery store.")
		return
	}
	h := c.handoff(c.session, c.session.Transcript())
	h.Reason = reason
	if err := c.recovery.Save(ctx, h); err != nil {
		logCtx.Error("Failed to save partial transcript", "error", err)
		return
	}
	logCtx.Info("Partial transcript saved for recovery.")
}

// RecoverPending delivers transcripts saved by earlier abnormal teardowns and
// removes the ones that were delivered.
func (c *Collector) RecoverPending(ctx context.Context) (int, error) {
	if c.recovery == nil {
		return 0, nil
	}
	pending, err := c.recovery.Pending(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, h := range pending {
		logCtx := c.logger.With("sessionId", h.SessionID)
		h.Recovered = true
		if err := c.sink.Deliver(ctx, h); err != nil {
			logCtx.Error("Failed to deliver recovered transcript", "error", err)
			continue
		}
		if err := c.recovery.Delete(ctx, h.SessionID); err != nil {
			logCtx.Warn("Failed to clear recovered entry", "error", err)
		}
		delivered++
		logCtx.Info("Recovered transcript delivered.", "savedReason", h.Reason)
	}
	return delivered, nil
}

func (c *Collector) handoff(sess *Session, text string) models.CaptionHandoff {
	return models.CaptionHandoff{
		SessionID:    sess.ID,
		Title:        sess.Title,
		Participants: sess.Participants(),
		Transcript:   text,
		StartedAt:    sess.StartedAt,
		EndedAt:      c.cfg.Now(),
	}
}
