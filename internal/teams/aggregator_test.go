package teams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimbridge/backend/internal/audit"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
)

type fakeWebhookSender struct {
	mu       sync.Mutex
	statuses map[string]int
	calls    []string
}

func (f *fakeWebhookSender) Send(_ context.Context, url string, _ []byte, _ string, _ events.Priority) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)

	status, ok := f.statuses[url]
	if !ok {
		status = http.StatusOK
	}
	res := Result{URL: url, StatusCode: status}
	if status != http.StatusOK {
		res.Err = fmt.Errorf("status %d", status)
	}
	return res
}

func (f *fakeWebhookSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message)
	return nil
}

type failingRenderer struct{}

func (failingRenderer) Render(*events.Event) (json.RawMessage, error) {
	return nil, errors.New("render blew up")
}

type failingAudit struct{}

func (failingAudit) Save(context.Context, *audit.Record) error {
	return errors.New("audit db down")
}

func aggregatorConfig() config.TeamsConfig {
	return config.TeamsConfig{
		Webhooks: map[string]string{
			"ops-room": "https://example.webhook.office.com/ops",
			"sec-room": "https://example.webhook.office.com/sec",
		},
		StakeholderChannels: map[string]string{
			"integration_team":     "ops-room",
			"pmo":                  "ops-room",
			"sre":                  "ops-room",
			"cloudops":             "ops-room",
			"security_engineering": "sec-room",
		},
	}
}

func newTestAggregator(t *testing.T, sender WebhookSender, opts AggregatorOptions) *Aggregator {
	t.Helper()
	return NewAggregator(aggregatorConfig(), "claimbridge:events:", NewBuilder(config.TeamsConfig{}), sender, opts)
}

func TestSendNotificationFansOutToDistinctURLs(t *testing.T) {
	sender := &fakeWebhookSender{}
	publisher := &fakePublisher{}
	store := audit.NewMemoryStore()
	bus := events.NewBus()
	ch := bus.Subscribe(events.VaultSealDetected)
	agg := newTestAggregator(t, sender, AggregatorOptions{Publisher: publisher, Audit: store, Bus: bus})

	ok := agg.SendNotification(context.Background(), events.VaultSealDetected, "corr-seal",
		map[string]interface{}{"vault": "prod"},
		[]string{"Security Eng.", "SRE", "CloudOps"}, events.PriorityCritical)

	assert.True(t, ok)
	assert.Equal(t, []string{
		"https://example.webhook.office.com/sec",
		"https://example.webhook.office.com/ops",
	}, sender.sent(), "shared channels collapse to one URL each")

	rows, err := store.GetByCorrelationID(context.Background(), "corr-seal")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].WebhookURL, rows[1].WebhookURL)
	for _, row := range rows {
		assert.Equal(t, "corr-seal", row.CorrelationID)
		assert.Equal(t, string(events.VaultSealDetected), row.EventType)
		assert.Equal(t, "critical", row.Priority)
		assert.True(t, json.Valid(row.CardPayload))
	}

	require.Len(t, publisher.channels, 1)
	assert.Equal(t, "claimbridge:events:vault.seal.detected", publisher.channels[0])
	var mirrored events.Event
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &mirrored))
	assert.Equal(t, "corr-seal", mirrored.CorrelationID)

	select {
	case event := <-ch:
		assert.Equal(t, events.VaultSealDetected, event.Type)
	default:
		t.Fatal("local bus did not receive the event")
	}
}

func TestSendNotificationFalseWhenAnyDeliveryFails(t *testing.T) {
	sender := &fakeWebhookSender{statuses: map[string]int{
		"https://example.webhook.office.com/sec": http.StatusInternalServerError,
	}}
	store := audit.NewMemoryStore()
	agg := newTestAggregator(t, sender, AggregatorOptions{Audit: store})

	ok := agg.SendNotification(context.Background(), events.PortalCircuitOpen, "corr-cb",
		nil, []string{"integration", "security"}, events.PriorityHigh)

	assert.False(t, ok)

	rows, err := store.GetByCorrelationID(context.Background(), "corr-cb")
	require.NoError(t, err)
	require.Len(t, rows, 2, "failed deliveries still leave audit rows")

	var statuses []int
	for _, row := range rows {
		require.NotNil(t, row.StatusCode)
		statuses = append(statuses, *row.StatusCode)
	}
	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusInternalServerError}, statuses)
}

func TestSendNotificationValidatesEnvelope(t *testing.T) {
	sender := &fakeWebhookSender{}
	agg := newTestAggregator(t, sender, AggregatorOptions{})

	assert.False(t, agg.SendNotification(context.Background(), events.ClaimSubmissionFailed,
		"", nil, []string{"integration"}, events.PriorityHigh), "empty correlation id")
	assert.False(t, agg.SendNotification(context.Background(), events.ClaimSubmissionFailed,
		"corr-1", nil, nil, events.PriorityHigh), "no stakeholders")
	assert.Empty(t, sender.sent())
}

func TestSendNotificationSkipsUnmappedStakeholders(t *testing.T) {
	sender := &fakeWebhookSender{}
	agg := newTestAggregator(t, sender, AggregatorOptions{})

	ok := agg.SendNotification(context.Background(), events.ClaimSubmissionFailed, "corr-2",
		nil, []string{"finance", "integration"}, events.PriorityMedium)

	assert.True(t, ok, "the mapped stakeholder still gets its card")
	assert.Equal(t, []string{"https://example.webhook.office.com/ops"}, sender.sent())
}

func TestSendNotificationFalseWhenNothingResolves(t *testing.T) {
	sender := &fakeWebhookSender{}
	agg := newTestAggregator(t, sender, AggregatorOptions{})

	ok := agg.SendNotification(context.Background(), events.ClaimSubmissionFailed, "corr-3",
		nil, []string{"finance"}, events.PriorityMedium)

	assert.False(t, ok)
	assert.Empty(t, sender.sent())
}

func TestSendNotificationRenderFailureAborts(t *testing.T) {
	sender := &fakeWebhookSender{}
	publisher := &fakePublisher{}
	agg := NewAggregator(aggregatorConfig(), "cb:", failingRenderer{}, sender,
		AggregatorOptions{Publisher: publisher})

	ok := agg.SendNotification(context.Background(), events.ClaimSubmissionFailed, "corr-4",
		nil, []string{"integration"}, events.PriorityHigh)

	assert.False(t, ok)
	assert.Empty(t, sender.sent())
	assert.Len(t, publisher.channels, 1, "mirror happens before rendering")
}

func TestSendNotificationToleratesMirrorFailure(t *testing.T) {
	sender := &fakeWebhookSender{}
	agg := newTestAggregator(t, sender, AggregatorOptions{Publisher: &fakePublisher{err: errors.New("redis down")}})

	ok := agg.SendNotification(context.Background(), events.ClaimSubmissionSuccess, "corr-5",
		nil, []string{"integration"}, events.PriorityInfo)

	assert.True(t, ok, "pub/sub mirror is best effort")
}

func TestSendNotificationToleratesAuditFailure(t *testing.T) {
	sender := &fakeWebhookSender{}
	agg := newTestAggregator(t, sender, AggregatorOptions{Audit: failingAudit{}})

	ok := agg.SendNotification(context.Background(), events.ClaimSubmissionSuccess, "corr-6",
		nil, []string{"integration"}, events.PriorityInfo)

	assert.True(t, ok, "audit persistence failures never change the verdict")
	assert.Len(t, sender.sent(), 1)
}
