package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claimbridge/backend/internal/api"
	"github.com/claimbridge/backend/internal/audit"
	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/followup"
	"github.com/claimbridge/backend/internal/infra"
	"github.com/claimbridge/backend/internal/monitoring"
	"github.com/claimbridge/backend/internal/orchestrator"
	"github.com/claimbridge/backend/internal/portal"
	"github.com/claimbridge/backend/internal/resilience"
	"github.com/claimbridge/backend/internal/resubmit"
	"github.com/claimbridge/backend/internal/secrets"
	"github.com/claimbridge/backend/internal/sessions"
	"github.com/claimbridge/backend/internal/teams"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Local development loads secrets from .env; deployments inject them.
	if err := godotenv.Load(); err == nil {
		log.Println("🔧 Loaded environment from .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	log.Printf("🚀 Starting ClaimBridge (env=%s, nphies=%s)...", cfg.Server.Env, cfg.NPHIES.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Observability
	promRegistry := prometheus.NewRegistry()
	metrics := monitoring.New(promRegistry)
	bus := events.NewBus()
	health := monitoring.NewHealth(bus)

	// 2. Redis: pub/sub mirror and scan fingerprints. Optional.
	var rdb *infra.GoRedisAdapter
	if cfg.Redis.URL != "" {
		rdb, err = infra.NewGoRedisAdapter(cfg.Redis.URL)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, continuing without pub/sub mirror: %v", err)
			health.SetUnhealthy("redis", err)
			rdb = nil
		} else {
			health.SetHealthy("redis", "connected")
			defer rdb.Close()
		}
	}

	// 3. Audit store: Postgres when a DSN is configured, memory otherwise.
	var auditStore audit.Store = audit.NewMemoryStore()
	if cfg.Audit.DSN != "" {
		pg, pgErr := audit.NewPostgresStore(cfg.Audit.DSN)
		if pgErr != nil {
			log.Printf("⚠️ Audit database unavailable, falling back to memory: %v", pgErr)
			health.SetUnhealthy("audit-db", pgErr)
		} else {
			auditStore = pg
			health.SetHealthy("audit-db", "connected")
		}
	}

	// 4. Teams notification pipeline
	aggOpts := teams.AggregatorOptions{Bus: bus, Audit: auditStore, Metrics: metrics}
	if rdb != nil {
		aggOpts.Publisher = rdb
	}
	notifier := teams.NewAggregator(cfg.Teams, cfg.Redis.ChannelPrefix,
		teams.NewBuilder(cfg.Teams), teams.NewSender(cfg.Teams), aggOpts)

	// 5. Sessions and resilience
	sessionRegistry := sessions.NewRegistry(cfg.Sessions.SweepInterval())

	breakers := resilience.NewManager(resilience.BreakerConfig{
		Threshold: cfg.CircuitBreaker.Threshold,
		Timeout:   cfg.CircuitBreaker.Timeout(),
	}, func(name, from, to string) {
		metrics.SetCircuitState(name, to)
		switch to {
		case "open":
			health.SetUnhealthy(name, fmt.Errorf("circuit open (was %s)", from))
			notifier.SendNotification(ctx, events.PortalCircuitOpen, "circuit-"+name,
				map[string]interface{}{"operation": name, "from": from, "to": to},
				[]string{string(events.StakeholderIntegration)}, events.PriorityHigh)
		case "closed":
			health.SetHealthy(name, "circuit closed")
		}
	})

	// 6. Portal connectors and the submission pipeline
	factory := portal.NewFactory(cfg, portal.Deps{
		Sessions: sessionRegistry,
		Bus:      bus,
		Retry: resilience.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay(),
			Backoff:      cfg.Retry.Backoff,
		},
		Breakers:   breakers,
		SessionTTL: cfg.Sessions.TTL(),
	})
	orch := orchestrator.New(factory, cfg, orchestrator.Options{
		Notifier: notifier,
		Metrics:  metrics,
	})

	// 7. Resubmission engine
	var history resubmit.HistoryStore
	if strings.EqualFold(cfg.Resubmission.HistoryBackend, "postgres") {
		pgHist, histErr := resubmit.NewPostgresHistory(cfg.Audit.DSN)
		if histErr != nil {
			log.Printf("⚠️ Resubmission history database unavailable, using memory: %v", histErr)
		} else {
			history = pgHist
		}
	}
	engine := resubmit.New(cfg.Resubmission, orch, resubmit.Options{
		History:  history,
		Notifier: notifier,
		Metrics:  metrics,
	})

	// 8. Vault seal watcher
	var sealWatcher *secrets.SealWatcher
	if cfg.Vault.Enabled {
		provider, vaultErr := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:   cfg.Vault.Address,
			TokenFile: cfg.Vault.TokenFile,
		})
		if vaultErr != nil {
			log.Printf("⚠️ Vault provider init failed: %v", vaultErr)
			health.SetUnhealthy("vault", vaultErr)
		} else {
			sealWatcher = secrets.NewSealWatcher(provider, notifier, health,
				time.Duration(cfg.Vault.HealthIntervalSeconds)*time.Second)
			sealWatcher.CheckNow(ctx)
			sealWatcher.Start()
		}
	}

	// 9. Follow-up workbook scanner
	var followUpSched *followup.Scheduler
	if cfg.FollowUp.WorkbookPath != "" {
		processor := followup.NewProcessor(cfg.FollowUp, followup.ProcessorOptions{
			Notifier: notifier,
			Metrics:  metrics,
		})
		var state followup.StateStore
		if rdb != nil {
			state = rdb
		}
		followUpSched = followup.NewScheduler(ctx, cfg.FollowUp, processor, state)
	}

	// 10. Session gauge
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.SetActiveSessions(sessionRegistry.Len())
			case <-ctx.Done():
				return
			}
		}
	}()

	// 11. API server
	server := api.NewServer(cfg.API, orch, api.Options{
		Engine:   engine,
		Notifier: notifier,
		Sessions: sessionRegistry,
		Audit:    auditStore,
		Bus:      bus,
		Gatherer: promRegistry,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received shutdown signal, draining...")
		cancel()
		if followUpSched != nil {
			followUpSched.Stop()
		}
		if sealWatcher != nil {
			sealWatcher.Stop()
		}
		sessionRegistry.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	readTimeout := time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	if err := server.Start(addr, readTimeout, writeTimeout); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}
