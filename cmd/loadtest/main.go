// loadtest pushes synthetic claims through a running ClaimBridge
// instance and reports throughput and latency. It exercises the same
// SDK integrators use, so the numbers include key auth, rate limiting,
// and the full orchestration path. Point it at a sandbox instance,
// never at production portals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claimbridge/backend/pkg/sdk"
)

type runConfig struct {
	Target      string
	APIKey      string
	Claims      int
	Concurrency int
	Strategy    string
	Report      time.Duration
}

type runStats struct {
	Total            atomic.Uint64
	Accepted         atomic.Uint64
	ValidationFailed atomic.Uint64
	PortalFailed     atomic.Uint64
	TransportErrors  atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	min, max  time.Duration
}

func (s *runStats) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if s.min == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

var payers = []struct {
	payerID     string
	insuranceID string
}{
	{"PAYER-BUPA", "BUPA-CORP-1"},
	{"PAYER-TAWUNIYA", "TAW-RET-4"},
	{"PAYER-MEDGULF", "MG-GOV-2"},
}

func main() {
	target := flag.String("target", "http://localhost:8080", "ClaimBridge base URL")
	apiKey := flag.String("key", "", "API key (X-API-Key)")
	claims := flag.Int("claims", 500, "number of claims to submit")
	concurrency := flag.Int("concurrency", 20, "concurrent submitters")
	strategy := flag.String("strategy", "", "submission strategy (empty = server default)")
	report := flag.Duration("report", 5*time.Second, "progress reporting interval")
	flag.Parse()

	cfg := runConfig{
		Target:      *target,
		APIKey:      *apiKey,
		Claims:      *claims,
		Concurrency: *concurrency,
		Strategy:    *strategy,
		Report:      *report,
	}

	log.Printf("🚀 ClaimBridge load test: %d claims, %d workers, target %s", cfg.Claims, cfg.Concurrency, cfg.Target)

	stats, elapsed := run(cfg)
	printResults(stats, elapsed)
}

func run(cfg runConfig) (*runStats, time.Duration) {
	client := sdk.NewClient(sdk.Config{
		BaseURL: cfg.Target,
		APIKey:  cfg.APIKey,
		Timeout: 30 * time.Second,
	})

	stats := &runStats{}
	jobs := make(chan int, cfg.Claims)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, cfg.Report)

	started := time.Now()
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := range jobs {
				submitOne(ctx, client, cfg.Strategy, worker, n, stats)
			}
		}(w)
	}

	for n := 0; n < cfg.Claims; n++ {
		jobs <- n
	}
	close(jobs)
	wg.Wait()

	return stats, time.Since(started)
}

func submitOne(ctx context.Context, client *sdk.Client, strategy string, worker, n int, stats *runStats) {
	payer := payers[n%len(payers)]
	claim := &sdk.Claim{
		PatientID:   fmt.Sprintf("PAT-%04d", n%500),
		MemberID:    fmt.Sprintf("MBR-%d-%d", worker, n),
		PayerID:     payer.payerID,
		InsuranceID: payer.insuranceID,
		ServiceDate: time.Now().AddDate(0, 0, -(n % 30)).Format("2006-01-02"),
		ClaimType:   "professional",
		TotalAmount: 450,
		Items: []sdk.ClaimItem{
			{Code: "83036", Description: "HbA1c", Quantity: 1, UnitPrice: 150},
			{Code: "99213", Description: "Office visit", Quantity: 2, UnitPrice: 150},
		},
	}

	start := time.Now()
	result, err := client.SubmitClaim(ctx, claim, strategy, nil)
	stats.observe(time.Since(start))
	stats.Total.Add(1)

	if err != nil {
		stats.TransportErrors.Add(1)
		return
	}
	switch {
	case result.Success:
		stats.Accepted.Add(1)
	case result.Stage == "validation":
		stats.ValidationFailed.Add(1)
	default:
		stats.PortalFailed.Add(1)
	}
}

func reportProgress(ctx context.Context, stats *runStats, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Printf("progress: %d submitted, %d accepted, %d portal failures, %d transport errors",
				stats.Total.Load(), stats.Accepted.Load(), stats.PortalFailed.Load(), stats.TransportErrors.Load())
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *runStats, elapsed time.Duration) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	total := stats.Total.Load()
	if total == 0 {
		log.Fatal("❌ No claims submitted")
	}
	accepted := stats.Accepted.Load()
	throughput := float64(total) / elapsed.Seconds()

	stats.mu.Lock()
	avg := average(stats.latencies)
	p95 := percentile(stats.latencies, 95)
	p99 := percentile(stats.latencies, 99)
	min, max := stats.min, stats.max
	stats.mu.Unlock()

	fmt.Println("\n" + separator)
	fmt.Println("📊 CLAIM SUBMISSION LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Claims Submitted:       %d\n", total)
	fmt.Printf("Accepted:               %d (%.2f%%)\n", accepted, pct(accepted, total))
	fmt.Printf("Validation Failures:    %d (%.2f%%)\n", stats.ValidationFailed.Load(), pct(stats.ValidationFailed.Load(), total))
	fmt.Printf("Portal Failures:        %d (%.2f%%)\n", stats.PortalFailed.Load(), pct(stats.PortalFailed.Load(), total))
	fmt.Printf("Transport Errors:       %d (%.2f%%)\n", stats.TransportErrors.Load(), pct(stats.TransportErrors.Load(), total))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput:             %.2f claims/sec\n", throughput)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", min)
	fmt.Printf("Latency (avg):          %v\n", avg)
	fmt.Printf("Latency (p95):          %v\n", p95)
	fmt.Printf("Latency (p99):          %v\n", p99)
	fmt.Printf("Latency (max):          %v\n", max)
	fmt.Println(separator)

	if throughput >= 50 {
		fmt.Println("✅ PASS: Throughput meets target (>50 claims/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<50 claims/sec)")
	}
	if p95 < 500*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<500ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>500ms)")
	}
	if rate := pct(accepted, total); rate >= 95 {
		fmt.Println("✅ PASS: Acceptance rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Acceptance rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func pct(part, total uint64) float64 {
	return float64(part) / float64(total) * 100
}

func average(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
