// Command calsync is the run-once CLI (spec §6): load configuration,
// build backends, run every configured mapping once, exit non-zero on
// any failure. Grounded on original_source/main.py's top-level flow
// and the teacher's log.SetFlags/startup logging idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-yaml"
	"golang.org/x/oauth2"

	"github.com/jblocklove/calsync/internal/calendar"
	"github.com/jblocklove/calsync/internal/calendar/caldav"
	"github.com/jblocklove/calsync/internal/calendar/google"
	"github.com/jblocklove/calsync/internal/config"
	"github.com/jblocklove/calsync/internal/orchestrate"
	"github.com/jblocklove/calsync/internal/validator"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "path to config.yaml (overrides SYNC_CONFIG and XDG discovery)")
	printConfig := flag.Bool("print-config", false, "print the resolved configuration and exit, without syncing")
	mappingFilter := flag.String("mapping", "", "run only the mapping with this identity (account_src|cal_src|account_tgt|cal_tgt|mode)")
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

	if *printConfig {
		redacted := *cfg
		redacted.Accounts = make([]config.Account, len(cfg.Accounts))
		for i, a := range cfg.Accounts {
			if a.Password != "" {
				a.Password = "REDACTED"
			}
			redacted.Accounts[i] = a
		}
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			log.Fatalf("marshal config: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		log.Fatalf("build backends: %v", err)
	}

	mappings := cfg.Mappings()
	if *mappingFilter != "" {
		mappings = filterMappings(mappings, *mappingFilter)
		if len(mappings) == 0 {
			log.Fatalf("no mapping matches identity %q", *mappingFilter)
		}
	}

	orch := orchestrate.New(backends, cfg.StateDir)

	log.Printf("running %d mapping(s)", len(mappings))
	results := orch.RunAll(context.Background(), mappings)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			log.Printf("mapping %s: FAILED: %v", r.Mapping.Identity(), r.Err)
		} else {
			log.Printf("mapping %s: ok", r.Mapping.Identity())
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func filterMappings(mappings []config.Mapping, identity string) []config.Mapping {
	out := make([]config.Mapping, 0, 1)
	for _, m := range mappings {
		if m.Identity() == identity {
			out = append(out, m)
		}
	}
	return out
}

// buildBackends resolves a calendar.Backend for every configured
// account, by account name. CalDAV accounts are preflight-checked with
// an OPTIONS request before a Backend is built for them, so a
// misconfigured URL fails fast with a clear account name attached
// rather than surfacing as an opaque error mid-reconciliation.
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
			// Placeholder: a real implementation would load
			// acct.CredentialsPath/TokenPath and refresh via oauth2.Config.
			backends[name] = google.New(oauth2.StaticTokenSource(&oauth2.Token{}))
		default:
			return nil, fmt.Errorf("account %q: unsupported type %q", name, acct.Type)
		}
	}
	return backends, nil
}
