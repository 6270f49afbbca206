package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/staging"
)

// LoadStats is the record-level summary carried by a loaded event.
type LoadStats struct {
	Total   int64 `json:"total"`
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// StagingEvent describes one transition of a staged document.
type StagingEvent struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Account    string     `json:"account"`
	Region     string     `json:"region"`
	Interval   string     `json:"interval"`
	Date       string     `json:"date"`
	OccurredAt time.Time  `json:"occurred_at"`
	Stats      *LoadStats `json:"stats,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// NewStagingEvent builds an event for the pending key k.
func NewStagingEvent(k staging.Key, at time.Time) StagingEvent {
	return StagingEvent{
		ID:         uuid.New().String(),
		Key:        k.String(),
		Account:    k.Account,
		Region:     k.Region,
		Interval:   string(k.Interval),
		Date:       document.FormatDate(k.Date),
		OccurredAt: at.UTC().Truncate(time.Second),
	}
}

// DecodeStagingEvent parses an event payload.
func DecodeStagingEvent(data []byte) (StagingEvent, error) {
	var ev StagingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StagingEvent{}, fmt.Errorf("decode staging event: %w", err)
	}
	if ev.Key == "" {
		return StagingEvent{}, fmt.Errorf("decode staging event: missing key")
	}
	return ev, nil
}

// Notifier publishes staging lifecycle events. Publish failures are logged
// and swallowed: the pending namespace stays authoritative.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier wraps pub. A nil pub behaves like NoOpPublisher.
func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	if pub == nil {
		pub = NoOpPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, logger: logger, now: time.Now}
}

// Staged announces a newly written pending document.
func (n *Notifier) Staged(ctx context.Context, k staging.Key) {
	n.publish(ctx, SubjectStaged, NewStagingEvent(k, n.now()))
}

// Loaded announces a promoted document.
func (n *Notifier) Loaded(ctx context.Context, k staging.Key, stats LoadStats) {
	ev := NewStagingEvent(k, n.now())
	ev.Stats = &stats
	n.publish(ctx, SubjectLoaded, ev)
}

// Rejected announces a quarantined document.
func (n *Notifier) Rejected(ctx context.Context, k staging.Key, reason string) {
	ev := NewStagingEvent(k, n.now())
	ev.Reason = reason
	n.publish(ctx, SubjectRejected, ev)
}

func (n *Notifier) publish(ctx context.Context, subject string, ev StagingEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to marshal staging event", "subject", subject, "error", err)
		return
	}
	if err := n.pub.Publish(ctx, subject, data); err != nil {
		n.logger.WarnContext(ctx, "failed to publish staging event",
			"subject", subject,
			"key", ev.Key,
			"error", err)
	}
}
