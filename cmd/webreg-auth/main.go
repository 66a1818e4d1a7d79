package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"
	"webreg-backend/lib/browser"
	"webreg-backend/lib/configutil"
	"webreg-backend/lib/scrapers/dars"
	"webreg-backend/lib/scrapers/webreg"
	"webreg-backend/lib/serviceutil"
	"webreg-backend/lib/telemetry"
	"webreg-backend/lib/terms"

	"github.com/lmittmann/tint"
)

type WebregConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Config struct {
	Webreg WebregConfig `json:"webreg"`
	// term code like "SP22", empty acquires a generic session
	Term      string                `json:"term"`
	LoginType string                `json:"login_type"`
	Browser   browser.ChromeOptions `json:"browser"`
}

func initSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	fetchAudit := flag.Bool("audit", false, "Also fetch the degree audit after acquiring a session.")
	auditOut := flag.String("audit-out", "degree_audit.html", "File the raw degree audit is written to.")
	flag.Parse()

	ctx := serviceutil.SignalContext()
	initSlog(*verbose)

	tel, err := telemetry.SetupFromEnv(ctx, "webreg-auth")
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	defer tel.Shutdown(context.Background())

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	state := &webreg.State{
		Credentials: webreg.Credentials{
			Username: cfg.Webreg.Username,
			Password: cfg.Webreg.Password,
		},
		LoginType: webreg.LoginTypePush,
		Session:   &webreg.Session{},
	}
	if cfg.LoginType != "" {
		state.LoginType = webreg.LoginType(cfg.LoginType)
	}
	if cfg.Term != "" {
		seqId := terms.SeqID(cfg.Term)
		if seqId == 0 {
			serviceutil.Fatal("resolve term", fmt.Errorf("unknown term code %q", cfg.Term))
		}
		state.Term = &webreg.TermInfo{Name: cfg.Term, SeqId: seqId}
	}

	chrome, err := browser.Launch(ctx, cfg.Browser)
	if err != nil {
		serviceutil.Fatal("launch browser", err)
	}
	defer chrome.Close()

	acquirer := webreg.New(chrome, webreg.Options{})
	result, err := acquirer.FetchCookies(ctx, state, true)
	if err != nil {
		serviceutil.Fatal("fetch cookies", err)
	}
	switch result.Outcome {
	case webreg.OutcomeSoftFailure:
		serviceutil.Fatal("fetch cookies", fmt.Errorf("login failed, try again later"))
	case webreg.OutcomeExhausted:
		serviceutil.Fatal("fetch cookies", fmt.Errorf("login retry budget exhausted"))
	}
	fmt.Println(result.Cookies)

	if !*fetchAudit {
		return
	}

	fetcher := dars.NewFetcher(chrome, acquirer, dars.FetcherOptions{})
	audit, err := fetcher.FetchDegreeAudit(ctx, state)
	if err != nil {
		serviceutil.Fatal("fetch degree audit", err)
	}
	err = os.WriteFile(*auditOut, []byte(audit.Html), 0o644)
	if err != nil {
		serviceutil.Fatal("write degree audit", err)
	}
	slog.Info("wrote degree audit", "id", audit.AuditId, "path", *auditOut)
}
