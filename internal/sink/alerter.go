package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/devblac/xchain-relay/internal/storage"
	"github.com/google/uuid"
)

// Send statuses recorded per sink.
const (
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusDuplicate   = "duplicate"
	StatusRateLimited = "rate_limited"
)

// Target is one configured alert destination.
type Target struct {
	ID        string
	Sender    Sender
	Limiter   *TokenBucket
	DedupeTTL time.Duration
}

// Counter receives alert outcomes.
type Counter interface {
	AlertsSent()
	AlertsDropped()
}

// Alerter turns pass failures into sink notifications. A failure repeated on
// every pass is delivered once per dedupe window and per-sink rate limit.
type Alerter struct {
	store   *storage.Store
	targets []Target
	counter Counter
	log     *slog.Logger
	now     func() time.Time
}

var _ relay.Reporter = (*Alerter)(nil)

// NewAlerter builds an alerter. A nil store disables dedupe and delivery records.
func NewAlerter(store *storage.Store, log *slog.Logger, targets ...Target) *Alerter {
	if log == nil {
		log = slog.Default()
	}
	return &Alerter{store: store, targets: targets, log: log, now: time.Now}
}

// WithCounter reports sent and dropped alerts to c.
func (a *Alerter) WithCounter(c Counter) *Alerter {
	a.counter = c
	return a
}

func (a *Alerter) PassCompleted(ctx context.Context, rep relay.Report) {
	if len(a.targets) == 0 {
		return
	}
	for _, f := range rep.Failures {
		if err := a.alert(ctx, rep, f); err != nil {
			a.log.Error("alert failed", "relay_id", rep.ID, "error", err)
		}
	}
}

func (a *Alerter) TickSkipped(context.Context) {}

func (a *Alerter) alert(ctx context.Context, rep relay.Report, f relay.Failure) error {
	now := a.now()
	payload := AlertPayload{
		RelayID: rep.ID,
		Kind:    string(f.Kind),
		Chain:   f.Chain,
		Lane:    f.Lane.String(),
		From:    f.From,
		To:      f.To,
		Event:   f.Event,
		Source:  f.Source,
		Error:   f.Message,
		Time:    now.UTC(),
	}
	fp := fingerprint(f)

	alertID := uuid.NewString()
	if a.store != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		err = a.store.InsertAlert(ctx, storage.Alert{
			ID:          alertID,
			RelayID:     rep.ID,
			Fingerprint: fp,
			PayloadJSON: string(body),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
	}

	for _, t := range a.targets {
		status, code, err := a.deliver(ctx, t, fp, payload, now)
		if err != nil {
			a.log.Warn("sink delivery failed", "sink", t.ID, "relay_id", rep.ID, "error", err)
		}
		if a.counter != nil {
			switch status {
			case StatusSent:
				a.counter.AlertsSent()
			case StatusDuplicate, StatusRateLimited:
				a.counter.AlertsDropped()
			}
		}
		if a.store == nil {
			continue
		}
		if err := a.store.InsertSend(ctx, storage.Send{
			AlertID:      alertID,
			SinkID:       t.ID,
			Status:       status,
			ResponseCode: code,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Alerter) deliver(ctx context.Context, t Target, fp string, payload AlertPayload, now time.Time) (string, int, error) {
	key := t.ID + "|" + fp
	dedupe := a.store != nil && t.DedupeTTL > 0
	if dedupe {
		dup, err := a.store.IsDuplicate(ctx, key, now)
		if err != nil {
			return StatusFailed, 0, err
		}
		if dup {
			return StatusDuplicate, 0, nil
		}
	}
	if t.Limiter != nil && !t.Limiter.Allow(now) {
		return StatusRateLimited, 0, nil
	}
	if err := t.Sender.Send(ctx, payload); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return StatusFailed, se.Code, err
		}
		return StatusFailed, 0, err
	}
	if dedupe {
		if err := a.store.MarkDedupe(ctx, key, now.Add(t.DedupeTTL)); err != nil {
			return StatusSent, 0, err
		}
	}
	return StatusSent, 0, nil
}

// fingerprint identifies a failure independent of the pass it occurred in.
func fingerprint(f relay.Failure) string {
	parts := []string{string(f.Kind), f.Chain, f.Lane.String()}
	if f.Event != "" {
		parts = append(parts, f.Event)
	}
	return strings.Join(parts, "|")
}
