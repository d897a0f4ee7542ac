// Command calsyncd is the optional long-running daemon variant: it
// wires internal/scheduler and internal/statusd around the same
// Orchestrator the run-once CLI uses, grounded on the teacher's
// cmd/calbridgesync/main.go gin-server-plus-scheduler-plus-graceful-
// shutdown wiring, trimmed of auth/OIDC/session/db.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/jblocklove/calsync/internal/activity"
	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/calendar/caldav"
	"github.com/jblocklove/calsync/internal/calendar/google"
	"github.com/jblocklove/calsync/internal/config"
	"github.com/jblocklove/calsync/internal/notify"
	"github.com/jblocklove/calsync/internal/orchestrate"
	"github.com/jblocklove/calsync/internal/scheduler"
	"github.com/jblocklove/calsync/internal/statusd"
	"github.com/jblocklove/calsync/internal/validator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("starting calsyncd")

	configPath := flag.String("config", "", "path to config.yaml (overrides SYNC_CONFIG and XDG discovery)")
	flag.Parse()

	path := *configPath
	if path == "" {
		var err error
		path, err = config.Locate()
		if err != nil {
			log.Fatalf("locate config: %v", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config %s: %v", path, err)
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		log.Fatalf("build backends: %v", err)
	}

	orch := orchestrate.New(backends, cfg.StateDir)
	orch.FailFast = false // a daemon keeps every mapping's recurrence alive independently

	notifyCfg := &notify.Config{
		WebhookEnabled:  cfg.Daemon.Alerts.WebhookEnabled,
		WebhookURL:      cfg.Daemon.Alerts.WebhookURL,
		EmailEnabled:    cfg.Daemon.Alerts.EmailEnabled,
		SMTPHost:        cfg.Daemon.Alerts.SMTPHost,
		SMTPPort:        cfg.Daemon.Alerts.SMTPPort,
		SMTPUsername:    cfg.Daemon.Alerts.SMTPUsername,
		SMTPPassword:    cfg.Daemon.Alerts.SMTPPassword,
		SMTPFrom:        cfg.Daemon.Alerts.SMTPFrom,
		SMTPTo:          cfg.Daemon.Alerts.SMTPTo,
		SMTPTLS:         cfg.Daemon.Alerts.SMTPTLS,
		CooldownPeriod:  time.Duration(cfg.Daemon.Alerts.CooldownMinutes) * time.Minute,
	}

	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("invalid alert configuration: %v", err)
		}
	}

	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("alerts enabled (webhook: %v, email: %v, cooldown: %d min)",
			notifyCfg.WebhookEnabled, notifyCfg.EmailEnabled, cfg.Daemon.Alerts.CooldownMinutes)
	}

	tracker := activity.NewTracker()
	orch.Recorder = tracker.RecordPlan

	sched := scheduler.New(orch, notifier, tracker)
	cronExprs := collectCronExprs(cfg.Mappings())
	if err := sched.Start(cfg.Mappings(), cronExprs); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	status := statusd.New(statusd.Addr(cfg.Daemon.StatusPort), tracker)
	status.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down calsyncd")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := status.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("status server forced to shutdown: %v", err)
	}

	log.Println("calsyncd stopped")
}

// collectCronExprs extracts each mapping's configured Schedule, so
// mappings that omit it are simply never registered with the scheduler.
func collectCronExprs(mappings []config.Mapping) map[string]string {
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.Schedule != "" {
			out[m.Identity()] = m.Schedule
		}
	}
	return out
}

// buildBackends mirrors cmd/calsync's build step, including the
// CalDAV endpoint preflight check, so a daemon started against a
// misconfigured account fails at startup rather than on its first
// scheduled run.
func buildBackends(cfg *config.Config) (map[string]calendar.Backend, error) {
	accounts, err := cfg.AccountsByName()
	if err != nil {
		return nil, err
	}

	endpointValidator := validator.New()

	backends := make(map[string]calendar.Backend, len(accounts))
	for name, acct := range accounts {
		switch acct.Type {
		case config.AccountCalDAV:
			if err := endpointValidator.ValidateCalDAVEndpoint(context.Background(), acct.URL); err != nil {
				return nil, fmt.Errorf("account %q: %w", name, err)
			}
			b, err := caldav.New(acct.URL, acct.Username, acct.Password, caldav.WithRateLimit(4, 8))
			if err != nil {
				return nil, fmt.Errorf("account %q: %w", name, err)
			}
			backends[name] = b
		case config.AccountGoogle:
			backends[name] = google.New(oauth2.StaticTokenSource(&oauth2.Token{}))
		default:
			return nil, fmt.Errorf("account %q: unsupported type %q", name, acct.Type)
		}
	}
	return backends, nil
}
