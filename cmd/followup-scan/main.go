// followup-scan runs one pass over the operations follow-up workbook
// and prints the alerts it would raise. With -deliver the alerts go
// through the real Teams pipeline instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/followup"
	"github.com/claimbridge/backend/internal/teams"
)

// printNotifier dumps each alert to stdout instead of posting it.
type printNotifier struct{}

func (printNotifier) SendNotification(_ context.Context, eventType events.EventType, correlationID string, data map[string]interface{}, stakeholders []string, priority events.Priority) bool {
	payload, err := json.MarshalIndent(map[string]interface{}{
		"eventType":     eventType,
		"correlationId": correlationID,
		"priority":      priority,
		"stakeholders":  stakeholders,
		"data":          data,
	}, "", "  ")
	if err != nil {
		log.Printf("marshal alert: %v", err)
		return false
	}
	fmt.Println(string(payload))
	return true
}

func main() {
	configPath := flag.String("config", "", "YAML config file (required with -deliver)")
	workbook := flag.String("workbook", "", "follow-up workbook path (overrides config)")
	sheet := flag.String("sheet", "", "worksheet name (default: first sheet)")
	branches := flag.String("branches", "", "branch directory workbook path (overrides config)")
	deliver := flag.Bool("deliver", false, "post alerts to Teams instead of printing them")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	var fuCfg config.FollowUpConfig
	var notifier followup.Notifier = printNotifier{}

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Configuration error: %v", err)
		}
		fuCfg = cfg.FollowUp
		if *deliver {
			notifier = teams.NewAggregator(cfg.Teams, cfg.Redis.ChannelPrefix,
				teams.NewBuilder(cfg.Teams), teams.NewSender(cfg.Teams), teams.AggregatorOptions{})
		}
	} else if *deliver {
		log.Fatal("-deliver requires -config")
	}

	if *workbook != "" {
		fuCfg.WorkbookPath = *workbook
	}
	if *sheet != "" {
		fuCfg.SheetName = *sheet
	}
	if *branches != "" {
		fuCfg.BranchDirectoryPath = *branches
	}
	if fuCfg.WorkbookPath == "" {
		fmt.Fprintln(os.Stderr, "no workbook: pass -workbook or a -config with followup.workbook_path")
		os.Exit(2)
	}

	processor := followup.NewProcessor(fuCfg, followup.ProcessorOptions{Notifier: notifier})
	summary, err := processor.Scan(context.Background())
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	mode := "printed"
	if *deliver {
		mode = "delivered"
	}
	fmt.Printf("\n✅ %d rows scanned, %d alerts, %d %s\n", summary.Rows, summary.Events, summary.Delivered, mode)
}
