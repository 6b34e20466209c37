package teams

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/claimbridge/backend/internal/audit"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/monitoring"
)

// CardRenderer renders an event into a Teams message payload.
type CardRenderer interface {
	Render(event *events.Event) (json.RawMessage, error)
}

// WebhookSender delivers one payload to one webhook URL.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload []byte, correlationID string, priority events.Priority) Result
}

// Publisher mirrors events onto a pub/sub channel, best effort. The
// Redis adapter satisfies this.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// AuditSink records one row per webhook delivery.
type AuditSink interface {
	Save(ctx context.Context, rec *audit.Record) error
}

// AggregatorOptions carries the optional collaborators.
type AggregatorOptions struct {
	Publisher Publisher
	Bus       *events.Bus
	Audit     AuditSink
	Metrics   *monitoring.Metrics
}

// Aggregator is the single entry point for operational notifications:
// it builds the event, mirrors it to pub/sub and the local bus,
// renders the card, resolves stakeholder webhooks, delivers, and
// audits every delivery.
type Aggregator struct {
	cfg       config.TeamsConfig
	prefix    string
	cards     CardRenderer
	sender    WebhookSender
	publisher Publisher
	bus       *events.Bus
	auditor   AuditSink
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

func NewAggregator(cfg config.TeamsConfig, channelPrefix string, cards CardRenderer, sender WebhookSender, opts AggregatorOptions) *Aggregator {
	a := &Aggregator{
		cfg:       cfg,
		prefix:    channelPrefix,
		cards:     cards,
		sender:    sender,
		publisher: opts.Publisher,
		bus:       opts.Bus,
		auditor:   opts.Audit,
		metrics:   opts.Metrics,
		logger:    log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	if a.auditor == nil {
		a.auditor = audit.NewMemoryStore()
	}
	return a
}

// SendNotification pushes one event through the full pipeline and
// reports whether every resolved webhook accepted the card.
func (a *Aggregator) SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool {
	event := events.New(eventType, correlationID, data, stakeholders, priority)
	if err := event.Validate(); err != nil {
		a.logger.Printf("❌ notification rejected: %v", err)
		return false
	}

	a.mirror(ctx, event)

	card, err := a.cards.Render(event)
	if err != nil {
		a.logger.Printf("❌ card render failed for %s (%s): %v", event.Type, event.CorrelationID, err)
		return false
	}

	urls := a.resolveWebhooks(event)
	if len(urls) == 0 {
		a.logger.Printf("⚠️ no webhook urls resolved for %s (stakeholders %s)", event.Type, events.FriendlyNames(event.Stakeholders))
		return false
	}

	allOK := true
	for _, url := range urls {
		started := time.Now()
		res := a.sender.Send(ctx, url, card, event.CorrelationID, event.Priority)
		a.record(ctx, event, url, card, res)

		ok := res.StatusCode == http.StatusOK && res.Err == nil
		if !ok {
			allOK = false
			a.logger.Printf("❌ delivery to %s failed for %s: status=%d err=%v", url, event.CorrelationID, res.StatusCode, res.Err)
		}
		if a.metrics != nil {
			outcome := "success"
			if !ok {
				outcome = "failure"
			}
			a.metrics.RecordWebhookDelivery(outcome, time.Since(started))
		}
	}
	return allOK
}

// mirror publishes the event to the distributed channel and the local
// bus. Neither failure blocks delivery.
func (a *Aggregator) mirror(ctx context.Context, event *events.Event) {
	if a.publisher != nil {
		payload, err := json.Marshal(event)
		if err == nil {
			err = a.publisher.Publish(ctx, a.prefix+string(event.Type), payload)
		}
		if err != nil {
			a.logger.Printf("⚠️ event mirror for %s skipped: %v", event.Type, err)
		} else if a.metrics != nil {
			a.metrics.RecordEventPublished(string(event.Type))
		}
	}
	if a.bus != nil {
		a.bus.Publish(event)
	}
}

// resolveWebhooks maps stakeholders through stakeholder_channels and
// webhooks to deduplicated URLs, preserving stakeholder order.
func (a *Aggregator) resolveWebhooks(event *events.Event) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, group := range event.Stakeholders {
		channel, ok := a.cfg.StakeholderChannels[string(group)]
		if !ok {
			a.logger.Printf("⚠️ stakeholder %s has no channel mapping, skipped", group)
			continue
		}
		url, ok := a.cfg.Webhooks[channel]
		if !ok || url == "" {
			a.logger.Printf("⚠️ channel %s has no webhook url, skipped", channel)
			continue
		}
		if seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

func (a *Aggregator) record(ctx context.Context, event *events.Event, url string, card json.RawMessage, res Result) {
	rec := &audit.Record{
		CorrelationID: event.CorrelationID,
		EventType:     string(event.Type),
		Stakeholders:  pq.StringArray(event.StakeholderKeys()),
		Priority:      string(event.Priority),
		WebhookURL:    url,
		CardPayload:   card,
		SentAt:        res.SentAt,
		RetryCount:    res.RetryCount,
	}
	if res.StatusCode != 0 {
		code := res.StatusCode
		rec.StatusCode = &code
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	if err := a.auditor.Save(ctx, rec); err != nil {
		a.logger.Printf("⚠️ audit row for %s not persisted: %v", event.CorrelationID, err)
	}
}
