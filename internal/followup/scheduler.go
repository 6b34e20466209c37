package followup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/claimbridge/backend/internal/config"
)

// fingerprintKey stores the sha256 of the last workbook scanned. One
// scheduler owns one workbook path.
const fingerprintKey = "followup:workbook:fingerprint"

// StateStore persists small markers between scans. The Redis adapter
// satisfies it; a nil store means every tick scans.
type StateStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Scheduler re-scans the follow-up workbook on an interval, skipping
// passes when the file has not changed since the last scan.
type Scheduler struct {
	processor *Processor
	interval  time.Duration
	state     StateStore
	logger    *log.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewScheduler creates and starts the scan loop. The first scan runs
// immediately rather than waiting out the first interval.
func NewScheduler(ctx context.Context, cfg config.FollowUpConfig, p *Processor, state StateStore) *Scheduler {
	interval := cfg.ScanInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Scheduler{
		processor: p,
		interval:  interval,
		state:     state,
		logger:    log.New(log.Writer(), "[FOLLOWUP-SCHED] ", log.LstdFlags),
		stopCh:    make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Stop halts the loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Started follow-up scan scheduler (interval=%s, workbook=%s)", s.interval, s.processor.cfg.WorkbookPath)
	s.scanOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.scanOnce(ctx)
		case <-s.stopCh:
			s.logger.Println("Follow-up scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Println("Follow-up scheduler context canceled")
			return
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	changed, summary, err := s.scanIfChanged(ctx)
	switch {
	case err != nil:
		s.logger.Printf("❌ Scan failed: %v", err)
	case !changed:
		s.logger.Println("Workbook unchanged, skipping scan")
	default:
		s.logger.Printf("Scan delivered %d/%d alerts from %d rows", summary.Delivered, summary.Events, summary.Rows)
	}
}

// scanIfChanged fingerprints the workbook and only runs a full scan
// when the bytes differ from the last recorded pass. The fingerprint
// is written after a successful scan so a failed pass retries on the
// next tick.
func (s *Scheduler) scanIfChanged(ctx context.Context) (bool, ScanSummary, error) {
	fp, err := workbookFingerprint(s.processor.cfg.WorkbookPath)
	if err != nil {
		return false, ScanSummary{}, err
	}

	if s.state != nil {
		if prev, err := s.state.Get(ctx, fingerprintKey); err == nil && string(prev) == fp {
			return false, ScanSummary{}, nil
		}
	}

	summary, err := s.processor.Scan(ctx)
	if err != nil {
		return false, summary, err
	}

	if s.state != nil {
		if err := s.state.Set(ctx, fingerprintKey, []byte(fp), 0); err != nil {
			s.logger.Printf("⚠️ Could not record workbook fingerprint: %v", err)
		}
	}
	return true, summary, nil
}

func workbookFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
