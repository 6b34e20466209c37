// Package teams renders Adaptive Cards for operational events and
// delivers them to Microsoft Teams webhooks: template-driven card
// building, a rate-limited signing sender, and the aggregator façade
// that ties events, cards, delivery, and audit together.
package teams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
)

const adaptiveCardContentType = "application/vnd.microsoft.card.adaptive"

// templateFiles keys each event type to its card template. Related
// event types share one file.
var templateFiles = map[events.EventType]string{
	events.ClaimSubmissionSuccess: "claim_submission",
	events.ClaimSubmissionPartial: "claim_submission",
	events.ClaimSubmissionFailed:  "claim_submission",
	events.ClaimRejectionReceived: "claim_rejection",
	events.ResubmissionSucceeded:  "resubmission",
	events.ResubmissionFailed:     "resubmission",
	events.ResubmissionEscalated:  "escalation",
	events.EligibilityCheckFailed: "eligibility_failed",
	events.PriorAuthCreated:       "priorauth_created",
	events.PortalConnectionError:  "portal_incident",
	events.PortalCircuitOpen:      "portal_incident",
	events.PortalCertFallback:     "portal_incident",
	events.VaultSealDetected:      "vault_seal",
	events.FollowUpBatchAlert:     "followup_alert",
	events.SystemHealthDegraded:   "system_health",
}

// Builder renders events into Teams message payloads. Any template
// problem degrades to the generic fallback card; rendering never
// fails on template content.
type Builder struct {
	cfg    config.TeamsConfig
	logger *log.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewBuilder loads every *.json template under cfg.TemplateDir. A
// missing or empty directory is not an error; the builder then serves
// fallback cards only.
func NewBuilder(cfg config.TeamsConfig) *Builder {
	b := &Builder{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[CARDS] ", log.LstdFlags),
		templates: make(map[string]*template.Template),
	}
	b.loadTemplates()
	return b
}

func (b *Builder) loadTemplates() {
	if b.cfg.TemplateDir == "" {
		return
	}
	entries, err := os.ReadDir(b.cfg.TemplateDir)
	if err != nil {
		b.logger.Printf("⚠️ template dir %s unreadable, using fallback cards: %v", b.cfg.TemplateDir, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.cfg.TemplateDir, name))
		if err != nil {
			b.logger.Printf("⚠️ template %s unreadable: %v", name, err)
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		tmpl, err := template.New(key).Funcs(templateFuncs).Parse(string(raw))
		if err != nil {
			b.logger.Printf("⚠️ template %s does not parse: %v", name, err)
			continue
		}
		b.templates[key] = tmpl
	}
	b.logger.Printf("loaded %d card template(s) from %s", len(b.templates), b.cfg.TemplateDir)
}

var templateFuncs = template.FuncMap{
	// json renders any context value as a JSON literal, so templates
	// can splice strings and numbers without quoting bugs.
	"json": func(v interface{}) string {
		raw, err := json.Marshal(v)
		if err != nil {
			return `""`
		}
		return string(raw)
	},
}

// Render produces the Teams message payload for an event. Template
// misses and render errors fall back to the generic card; an error is
// returned only for an invalid event.
func (b *Builder) Render(event *events.Event) (json.RawMessage, error) {
	if event == nil {
		return nil, fmt.Errorf("cards: event is nil")
	}

	card := b.renderTemplate(event)
	if card == nil {
		card = b.fallbackCard(event)
	}
	return wrapCard(card)
}

// renderTemplate returns nil whenever the fallback should take over.
func (b *Builder) renderTemplate(event *events.Event) map[string]interface{} {
	tmpl := b.lookup(event.Type)
	if tmpl == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, b.renderContext(event)); err != nil {
		b.logger.Printf("⚠️ template %s failed for %s, using fallback: %v", tmpl.Name(), event.Type, err)
		return nil
	}

	var card map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &card); err != nil {
		b.logger.Printf("⚠️ template %s produced invalid JSON for %s, using fallback: %v", tmpl.Name(), event.Type, err)
		return nil
	}
	return card
}

func (b *Builder) lookup(eventType events.EventType) *template.Template {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if name, ok := templateFiles[eventType]; ok {
		if tmpl, ok := b.templates[name]; ok {
			return tmpl
		}
	}
	return b.templates[string(eventType)]
}

// renderContext exposes the event plus the presentation helpers the
// templates rely on.
func (b *Builder) renderContext(event *events.Event) map[string]interface{} {
	data := event.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return map[string]interface{}{
		"ID":              event.ID,
		"Type":            string(event.Type),
		"CorrelationID":   event.CorrelationID,
		"Priority":        string(event.Priority),
		"PriorityIcon":    event.Priority.Icon(),
		"PriorityLabel":   event.Priority.Label(),
		"Color":           event.Priority.Color(),
		"Timestamp":       event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
		"Stakeholders":    events.FriendlyNames(event.Stakeholders),
		"Source":          event.Source,
		"Data":            data,
		"DataJSON":        prettyJSON(data),
		"MonitoringURL":   b.cfg.MonitoringURL,
		"RunbookURL":      b.cfg.RunbookURL,
		"PortalStatusURL": b.cfg.PortalStatusURL,
	}
}

// fallbackCard is the generic card used when no template applies:
// priority-colored header, fact set, pretty-printed data.
func (b *Builder) fallbackCard(event *events.Event) map[string]interface{} {
	facts := []map[string]interface{}{
		{"title": "Correlation", "value": event.CorrelationID},
		{"title": "Priority", "value": event.Priority.Label()},
		{"title": "Time", "value": event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	if names := events.FriendlyNames(event.Stakeholders); names != "" {
		facts = append(facts, map[string]interface{}{"title": "Stakeholders", "value": names})
	}

	body := []map[string]interface{}{
		{
			"type":  "Container",
			"style": event.Priority.Color(),
			"bleed": true,
			"items": []map[string]interface{}{
				{
					"type":   "TextBlock",
					"size":   "Medium",
					"weight": "Bolder",
					"wrap":   true,
					"text":   fmt.Sprintf("%s: %s", event.Priority.Label(), event.Type),
				},
			},
		},
		{"type": "FactSet", "facts": facts},
	}
	if len(event.Data) > 0 {
		body = append(body, map[string]interface{}{
			"type":     "TextBlock",
			"fontType": "Monospace",
			"wrap":     true,
			"text":     prettyJSON(event.Data),
		})
	}

	card := map[string]interface{}{
		"type":    "AdaptiveCard",
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"version": "1.4",
		"body":    body,
	}
	if actions := b.linkActions(); len(actions) > 0 {
		card["actions"] = actions
	}
	return card
}

func (b *Builder) linkActions() []map[string]interface{} {
	var actions []map[string]interface{}
	add := func(title, url string) {
		if url == "" {
			return
		}
		actions = append(actions, map[string]interface{}{
			"type": "Action.OpenUrl", "title": title, "url": url,
		})
	}
	add("Monitoring", b.cfg.MonitoringURL)
	add("Runbook", b.cfg.RunbookURL)
	add("Portal Status", b.cfg.PortalStatusURL)
	return actions
}

// wrapCard puts the card in the Teams message envelope. Already
// wrapped payloads pass through unchanged.
func wrapCard(card map[string]interface{}) (json.RawMessage, error) {
	if card["type"] == "message" {
		if _, ok := card["attachments"]; ok {
			return json.Marshal(card)
		}
	}
	return json.Marshal(map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{"contentType": adaptiveCardContentType, "content": card},
		},
	})
}

func prettyJSON(v interface{}) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
