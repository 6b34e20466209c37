package secrets

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/claimbridge/backend/internal/events"
)

// StatusChecker reports Vault seal state. *VaultProvider implements it.
type StatusChecker interface {
	SealStatus(ctx context.Context) (*SealStatus, error)
}

// Notifier delivers an operational event to stakeholders. The Teams
// aggregator implements it.
type Notifier interface {
	SendNotification(ctx context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool
}

// HealthSink receives component up/down updates.
type HealthSink interface {
	SetHealthy(name, detail string)
	SetUnhealthy(name string, err error)
}

// SealWatcher polls seal status and raises vault.seal.detected on the
// unsealed-to-sealed transition. Repeated sealed polls do not renotify.
type SealWatcher struct {
	checker  StatusChecker
	notifier Notifier
	health   HealthSink
	interval time.Duration
	logger   *log.Logger

	mu         sync.Mutex
	known      bool
	lastSealed bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSealWatcher builds a watcher. notifier and health may be nil.
func NewSealWatcher(checker StatusChecker, notifier Notifier, health HealthSink, interval time.Duration) *SealWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SealWatcher{
		checker:  checker,
		notifier: notifier,
		health:   health,
		interval: interval,
		logger:   log.New(log.Writer(), "[VAULT-WATCH] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until Stop.
func (w *SealWatcher) Start() {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.CheckNow(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the poll loop. Safe to call more than once.
func (w *SealWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// CheckNow performs one poll. Returns the observed sealed state, or an
// error when the status endpoint is unreachable.
func (w *SealWatcher) CheckNow(ctx context.Context) (bool, error) {
	status, err := w.checker.SealStatus(ctx)
	if err != nil {
		w.logger.Printf("⚠️ seal status check failed: %v", err)
		if w.health != nil {
			w.health.SetUnhealthy("vault", err)
		}
		return false, err
	}

	w.mu.Lock()
	transitioned := status.Sealed && (!w.known || !w.lastSealed)
	recovered := !status.Sealed && w.known && w.lastSealed
	w.known = true
	w.lastSealed = status.Sealed
	w.mu.Unlock()

	if w.health != nil {
		if status.Sealed {
			w.health.SetUnhealthy("vault", fmt.Errorf("sealed (version %s)", status.Version))
		} else {
			w.health.SetHealthy("vault", "unsealed")
		}
	}

	if recovered {
		w.logger.Printf("✅ vault unsealed (version %s)", status.Version)
	}

	if transitioned {
		w.logger.Printf("🚨 vault sealed, credential issuance is down")
		if w.notifier != nil {
			w.notifier.SendNotification(ctx,
				events.VaultSealDetected,
				fmt.Sprintf("vault-seal-%d", time.Now().Unix()),
				map[string]interface{}{
					"sealed":     true,
					"version":    status.Version,
					"detectedAt": time.Now().UTC().Format(time.RFC3339),
				},
				[]string{
					string(events.StakeholderSecurity),
					string(events.StakeholderSRE),
					string(events.StakeholderCloudOps),
				},
				events.PriorityCritical,
			)
		}
	}

	return status.Sealed, nil
}
