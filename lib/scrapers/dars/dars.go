// Package dars retrieves degree-audit reports from the student DARS
// self-service site, generating a fresh report on demand when none
// exists. Reports are captured as raw markup; structured extraction is
// deferred until the report format is pinned down.
package dars

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"
	"webreg-backend/lib/browser"
	"webreg-backend/lib/scrapers/webreg"
	"webreg-backend/lib/timezone"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/dars")

const (
	defaultBaseUrl = "https://act.ucsd.edu/studentDarsSelfservice"

	listPath   = "/audit/list.html"
	createPath = "/audit/create.html"
	readPath   = "/audit/read.html"
)

// report ids are embedded in raw list.html markup that is not reliably
// queryable through the DOM at that point, so a narrow pattern match is
// the contract here, not markup parsing
var reportIdPattern = regexp.MustCompile(`read\.html\?id=([A-Za-z0-9!%_.\-]+)`)

func extractReportId(content string) string {
	groups := reportIdPattern.FindStringSubmatch(content)
	if len(groups) < 2 {
		return ""
	}
	return groups[1]
}

// Audit is a captured degree-audit report. Only the opaque payload is
// populated; student info, requirements and completed courses stay
// unparsed until the structured schema lands.
type Audit struct {
	AuditId   string
	ScrapedAt time.Time
	Url       string
	Html      string
}

type FetcherTimings struct {
	ListNav       time.Duration
	CreateNav     time.Duration
	SubmitWait    time.Duration
	NavBack       time.Duration
	GeneratePause time.Duration
}

func DefaultFetcherTimings() FetcherTimings {
	return FetcherTimings{
		ListNav:       time.Second * 30,
		CreateNav:     time.Second * 15,
		SubmitWait:    time.Second * 5,
		NavBack:       time.Second * 15,
		GeneratePause: time.Second * 5,
	}
}

type FetcherOptions struct {
	BaseUrl string
	// zero value falls back to DefaultFetcherTimings
	Timings FetcherTimings
	Log     *webreg.Logger
}

// Fetcher drives the browser through the audit list/create/read pages,
// reusing the Session Acquirer's authentication when the session has
// gone stale.
type Fetcher struct {
	browser  browser.Browser
	acquirer *webreg.Acquirer
	baseUrl  string
	timings  FetcherTimings
	log      *webreg.Logger
}

func NewFetcher(b browser.Browser, acquirer *webreg.Acquirer, opts FetcherOptions) *Fetcher {
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = defaultBaseUrl
	}
	timings := opts.Timings
	if timings == (FetcherTimings{}) {
		timings = DefaultFetcherTimings()
	}
	log := opts.Log
	if log == nil {
		log = webreg.NewLogger(nil)
	}
	return &Fetcher{
		browser:  b,
		acquirer: acquirer,
		baseUrl:  baseUrl,
		timings:  timings,
		log:      log,
	}
}

// FetchDegreeAudit retrieves the current user's degree audit, creating
// a report first when the list page has none. There is no retry loop at
// this level: a single failure aborts the fetch and propagates. The
// page opened here is closed exactly once before returning or raising.
func (f *Fetcher) FetchDegreeAudit(ctx context.Context, state *webreg.State) (*Audit, error) {
	ctx, span := tracer.Start(ctx, "fetcher:FetchDegreeAudit")
	defer span.End()

	page, err := f.browser.NewPage(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open page")
		return nil, err
	}
	defer func() {
		err := page.Close(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to close audit page", "err", err)
		}
	}()

	audit, err := f.fetch(ctx, page, state)
	if err != nil {
		f.log.Printf(webreg.TermTagNone, "degree audit fetch failed: %s", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "degree audit fetch failed")
		return nil, err
	}
	return audit, nil
}

func (f *Fetcher) fetch(ctx context.Context, page browser.Page, state *webreg.State) (*Audit, error) {
	f.log.Printf(webreg.TermTagNone, "fetching degree audit")

	listUrl := f.baseUrl + listPath
	_, err := page.Navigate(ctx, listUrl,
		browser.WithTimeout(f.timings.ListNav),
		browser.WithNetworkIdle(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit list: %w", err)
	}

	content, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}

	if webreg.LooksLikeSignOn(content) {
		f.log.Printf(webreg.TermTagNone, "session expired, re-authenticating")
		result, err := f.acquirer.FetchCookies(ctx, state, false)
		if err != nil {
			return nil, err
		}
		if result.Outcome != webreg.OutcomeSuccess {
			return nil, fmt.Errorf("failed to refresh expired session")
		}
		_, err = page.Navigate(ctx, listUrl,
			browser.WithTimeout(f.timings.ListNav),
			browser.WithNetworkIdle(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen audit list: %w", err)
		}
		content, err = page.Content(ctx)
		if err != nil {
			return nil, err
		}
	}

	reportId := extractReportId(content)
	if reportId == "" {
		f.log.Printf(webreg.TermTagNone, "no existing report, generating one")
		content, err = f.generateReport(ctx, page)
		if err != nil {
			return nil, err
		}
		reportId = extractReportId(content)
	}
	if reportId == "" {
		return nil, fmt.Errorf("could not find a report id on the audit list page")
	}

	readUrl := fmt.Sprintf("%s%s?id=%s", f.baseUrl, readPath, url.QueryEscape(reportId))
	f.log.Printf(webreg.TermTagNone, "reading report %s", reportId)
	_, err = page.Navigate(ctx, readUrl, browser.WithNetworkIdle())
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	html, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}

	return &Audit{
		AuditId:   reportId,
		ScrapedAt: timezone.Now(),
		Url:       readUrl,
		Html:      html,
	}, nil
}

// submit control candidates raced during report creation; the create
// page's markup has shifted between plain inputs and buttons over time
var submitCandidates = []string{
	`input[type="submit"]`,
	`button[type="submit"]`,
	`input[value*="Run"]`,
}

// navigates to the creation page, submits a report run, and returns the
// refreshed list page content once generation has had time to finish
func (f *Fetcher) generateReport(ctx context.Context, page browser.Page) (string, error) {
	ctx, span := tracer.Start(ctx, "fetcher:generateReport")
	defer span.End()

	_, err := page.Navigate(ctx, f.baseUrl+createPath, browser.WithTimeout(f.timings.CreateNav))
	if err != nil {
		return "", fmt.Errorf("failed to open audit creation page: %w", err)
	}

	selector, ok := f.findSubmitControl(ctx, page)
	if !ok {
		span.SetStatus(codes.Error, "no submit control resolved")
		return "", fmt.Errorf("could not find submit button")
	}

	err = page.Click(ctx, selector)
	if err != nil {
		return "", fmt.Errorf("failed to submit report run: %w", err)
	}
	err = page.WaitNavigation(ctx, browser.WithTimeout(f.timings.NavBack))
	if err != nil {
		return "", fmt.Errorf("never returned to the audit list: %w", err)
	}

	// server-side generation lags the navigation back to the list
	err = sleep(ctx, f.timings.GeneratePause)
	if err != nil {
		return "", err
	}

	content, err := page.Content(ctx)
	if err != nil {
		return "", err
	}
	return content, nil
}

// races the submit candidates, each individually time-boxed with its
// failure suppressed; the first selector to turn visible wins
func (f *Fetcher) findSubmitControl(ctx context.Context, page browser.Page) (string, bool) {
	results := make(chan string, len(submitCandidates))
	var wg sync.WaitGroup

	for _, selector := range submitCandidates {
		wg.Add(1)
		go func(selector string) {
			defer wg.Done()
			waitCtx, cancel := context.WithTimeout(ctx, f.timings.SubmitWait)
			defer cancel()
			err := page.WaitVisible(waitCtx, selector)
			if err != nil {
				return
			}
			results <- selector
		}(selector)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	selector, ok := <-results
	return selector, ok
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
