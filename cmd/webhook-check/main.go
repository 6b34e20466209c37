// webhook-check verifies the Teams delivery path end to end: it posts
// a test card to one stakeholder channel and reports the result. With
// -listen it also tails the Redis event mirror.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/infra"
	"github.com/claimbridge/backend/internal/teams"
)

func main() {
	configPath := flag.String("config", "config.yaml", "YAML config file")
	stakeholder := flag.String("stakeholder", string(events.StakeholderIntegration), "stakeholder group receiving the test card")
	listen := flag.Bool("listen", false, "tail the Redis event mirror after posting")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx := context.Background()

	opts := teams.AggregatorOptions{}
	var rdb *infra.GoRedisAdapter
	if cfg.Redis.URL != "" {
		rdb, err = infra.NewGoRedisAdapter(cfg.Redis.URL)
		if err != nil {
			fmt.Printf("⚠️ Redis unavailable: %v\n", err)
			rdb = nil
		} else {
			defer rdb.Close()
			opts.Publisher = rdb
			fmt.Println("✅ Redis reachable")
		}
	}

	// Subscribe before posting so the mirror of our own card shows up.
	if *listen {
		if rdb == nil {
			log.Fatal("-listen requires a reachable redis.url")
		}
		pattern := cfg.Redis.ChannelPrefix + "*"
		stop, subErr := rdb.PSubscribe(ctx, pattern, func(channel string, payload []byte) {
			fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), channel, payload)
		})
		if subErr != nil {
			log.Fatalf("Subscribe failed: %v", subErr)
		}
		defer stop()
		fmt.Printf("📡 Tailing %s\n", pattern)
	}

	agg := teams.NewAggregator(cfg.Teams, cfg.Redis.ChannelPrefix,
		teams.NewBuilder(cfg.Teams), teams.NewSender(cfg.Teams), opts)

	correlationID := "webhook-check-" + uuid.NewString()[:8]
	fmt.Printf("Posting test card to %q (correlation %s)...\n", *stakeholder, correlationID)

	ok := agg.SendNotification(ctx, events.SystemHealthDegraded, correlationID,
		map[string]interface{}{
			"component": "webhook-check",
			"detail":    "connectivity test card, safe to dismiss",
			"host":      hostname(),
		},
		[]string{*stakeholder}, events.PriorityInfo)
	if !ok {
		fmt.Println("❌ Delivery failed, check teams.webhooks and teams.stakeholder_channels")
		os.Exit(1)
	}
	fmt.Println("✅ Test card accepted by every resolved webhook")

	if *listen {
		fmt.Println("Ctrl-C to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
