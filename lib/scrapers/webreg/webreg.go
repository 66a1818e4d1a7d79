// Package webreg acquires authenticated WebReg sessions: it drives a
// browser through the SSO login, races the "already trusted" and "Duo
// prompt" outcomes, and extracts the session cookies the portal's API
// surface needs.
package webreg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"webreg-backend/lib/browser"
	"webreg-backend/lib/timezone"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/webreg")

// consecutive unknown-error attempts tolerated before giving up
const maxLoginAttempts = 6

type LoginType string

const (
	// send a Duo push, only acceptable during the first acquisition
	LoginTypePush LoginType = "push"
	// any mode where re-prompting mid-run is acceptable
	LoginTypeOther LoginType = "other"
)

type Credentials struct {
	Username string
	Password string
}

// TermInfo binds an acquisition to a specific academic term. Resolve
// SeqId through terms.SeqID before constructing one.
type TermInfo struct {
	Name  string
	SeqId int
}

// Session records acquisition history across the lifetime of one State.
type Session struct {
	// stamped on the first successful acquisition, never changed after
	Start time.Time
	// one entry per successful re-acquisition, in order
	CallHistory []time.Time
}

// State is the caller-owned configuration and session record threaded
// through both workflows. The acquirer mutates Session and nothing else.
type State struct {
	Credentials Credentials
	// nil means acquire a generic, term-agnostic session
	Term      *TermInfo
	LoginType LoginType
	Session   *Session
}

// tag used in progress log lines
func (s *State) TermTag() string {
	if s == nil || s.Term == nil {
		return "ALL"
	}
	return s.Term.Name
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// recoverable navigation/prompt failure, try again later
	OutcomeSoftFailure
	// gave up after maxLoginAttempts consecutive unknown errors
	OutcomeExhausted
)

// Result is the tagged outcome of an acquisition. Cookies is only
// populated on OutcomeSuccess.
type Result struct {
	Outcome Outcome
	Cookies string
}

const legacyHardFailure = "ERROR UNABLE TO AUTHENTICATE."

// Legacy encodes the result as the bare cookie-string protocol older
// consumers speak: the cookie string on success, "" on a soft failure
// and a fixed error string on exhaustion.
func (r Result) Legacy() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return r.Cookies
	case OutcomeExhausted:
		return legacyHardFailure
	}
	return ""
}

// LooksLikeSignOn reports whether the markup is the SSO credential form
// rather than a portal page, which means the session has expired.
func LooksLikeSignOn(content string) bool {
	return strings.Contains(content, signOnMarker)
}

// ErrDuoPolicy reports a configuration contract violation: a Duo prompt
// appeared during a re-acquisition whose login type forbids prompting.
var ErrDuoPolicy = fmt.Errorf("duo prompt required during re-acquisition with push login type")

// outcome of the 2FA race, one per attempt
type loginResult int

const (
	loginUnknownError loginResult = iota
	loginLoggedIn
	loginNeedsDuo
)

// Timings holds every wait the state machine performs. Tests shrink
// them, production uses Defaults.
type Timings struct {
	Settle           time.Duration
	Navigation       time.Duration
	GoButtonWait     time.Duration
	DuoPollInterval  time.Duration
	TrustBrowserWait time.Duration
	PostAuthWait     time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Settle:           time.Second,
		Navigation:       time.Second * 30,
		GoButtonWait:     time.Second * 30,
		DuoPollInterval:  time.Millisecond * 500,
		TrustBrowserWait: time.Second * 42,
		PostAuthWait:     time.Second * 30,
	}
}

type Options struct {
	// zero value falls back to DefaultTimings
	Timings Timings
	// nil falls back to a stdout logger
	Log *Logger
}

// Acquirer produces authenticated cookie strings for WebReg sessions.
type Acquirer struct {
	browser browser.Browser
	timings Timings
	log     *Logger
}

func New(b browser.Browser, opts Options) *Acquirer {
	timings := opts.Timings
	if timings == (Timings{}) {
		timings = DefaultTimings()
	}
	log := opts.Log
	if log == nil {
		log = NewLogger(nil)
	}
	return &Acquirer{
		browser: b,
		timings: timings,
		log:     log,
	}
}

// per-attempt outcome feeding the retry loop
type attemptOutcome int

const (
	// unknown error, counts against maxLoginAttempts
	attemptRetry attemptOutcome = iota
	// recoverable failure, abort with OutcomeSoftFailure
	attemptSoftFail
	attemptOk
)

// FetchCookies runs the full acquisition state machine until it
// succeeds, soft-fails, or exhausts its retry budget. isInit marks the
// first-ever acquisition; a Duo prompt on a later call with
// LoginTypePush returns ErrDuoPolicy.
//
// On success state.Session is mutated: the first success stamps
// Session.Start, every later success appends to Session.CallHistory.
func (a *Acquirer) FetchCookies(ctx context.Context, state *State, isInit bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "acquirer:FetchCookies")
	defer span.End()

	term := state.TermTag()
	a.log.Printf(term, "fetching cookies (init=%v)", isInit)

	failedAttempts := 0
	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "context cancelled")
			return Result{}, err
		}

		outcome, cookies, err := a.attempt(ctx, state, isInit)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "login attempt raised")
			return Result{}, err
		}

		switch outcome {
		case attemptOk:
			a.recordSuccess(state)
			a.log.Printf(term, "acquired session cookies")
			return Result{Outcome: OutcomeSuccess, Cookies: cookies}, nil
		case attemptSoftFail:
			a.log.Printf(term, "login attempt failed, will try again later")
			span.SetStatus(codes.Error, "soft failure")
			return Result{Outcome: OutcomeSoftFailure}, nil
		case attemptRetry:
			failedAttempts++
			a.log.Printf(term, "unknown login error (attempt %d/%d)", failedAttempts, maxLoginAttempts)
			if failedAttempts >= maxLoginAttempts {
				span.SetStatus(codes.Error, "retry budget exhausted")
				return Result{Outcome: OutcomeExhausted}, nil
			}
		}
	}
}

func (a *Acquirer) recordSuccess(state *State) {
	now := timezone.Now()
	if state.Session == nil {
		state.Session = &Session{}
	}
	if state.Session.Start.IsZero() {
		state.Session.Start = now
		return
	}
	state.Session.CallHistory = append(state.Session.CallHistory, now)
}

func (a *Acquirer) attempt(ctx context.Context, state *State, isInit bool) (attemptOutcome, string, error) {
	ctx, span := tracer.Start(ctx, "acquirer:attempt")
	defer span.End()

	term := state.TermTag()

	page, err := a.resetPages(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to reset browser pages", "err", err)
		return attemptRetry, "", nil
	}

	res, err := page.Navigate(ctx, startUrl, browser.WithTimeout(a.timings.Navigation))
	if err != nil {
		slog.WarnContext(ctx, "failed to open start page", "err", err)
		return attemptRetry, "", nil
	}
	if res == nil {
		// the driver gave us nothing to inspect, treat like an unknown error
		return attemptRetry, "", nil
	}
	if !res.Ok() {
		span.SetStatus(codes.Error, fmt.Sprintf("non-OK status code: %d", res.Status))
		a.log.Printf(term, "start page returned status %d", res.Status)
		return attemptSoftFail, "", nil
	}

	if err := sleep(ctx, a.timings.Settle); err != nil {
		return attemptSoftFail, "", nil
	}

	content, err := page.Content(ctx)
	if err != nil {
		return attemptRetry, "", nil
	}
	if strings.Contains(content, signOnMarker) {
		a.log.Printf(term, "submitting credentials")
		err = a.submitCredentials(ctx, page, state.Credentials)
		if err != nil {
			slog.WarnContext(ctx, "failed to submit credentials", "err", err)
			return attemptRetry, "", nil
		}
	}

	switch a.raceDuo(ctx, page) {
	case loginUnknownError:
		return attemptRetry, "", nil
	case loginNeedsDuo:
		a.log.Printf(term, "duo 2fa prompt detected")
		if !isInit && state.LoginType == LoginTypePush {
			return attemptSoftFail, "", ErrDuoPolicy
		}
		outcome := a.confirmDuoTrust(ctx, page, term)
		if outcome != attemptOk {
			return outcome, "", nil
		}
	case loginLoggedIn:
		a.log.Printf(term, "session already trusted, no 2fa needed")
	}

	cookieUrl, outcome := a.finishLogin(ctx, page, state)
	if outcome != attemptOk {
		return outcome, "", nil
	}

	cookies, err := a.browser.Cookies(ctx, cookieUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cookies")
		return attemptSoftFail, "", nil
	}

	return attemptOk, browser.JoinCookies(cookies), nil
}

// closes every page but the first so retries don't accumulate tabs,
// opening a fresh one when the browser has none
func (a *Acquirer) resetPages(ctx context.Context) (browser.Page, error) {
	pages, err := a.browser.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return a.browser.NewPage(ctx)
	}
	for _, p := range pages[1:] {
		err := p.Close(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to close stale page", "err", err)
		}
	}
	return pages[0], nil
}

func (a *Acquirer) submitCredentials(ctx context.Context, page browser.Page, creds Credentials) error {
	err := page.Type(ctx, selSignOnUsername, creds.Username)
	if err != nil {
		return err
	}
	err = page.Type(ctx, selSignOnPassword, creds.Password)
	if err != nil {
		return err
	}
	return page.Click(ctx, selSignOnSubmit)
}

// raceDuo awaits the two nondeterministic post-login outcomes at once:
// the Go button appearing (already authenticated) and the Duo prompt
// rendering (2FA needed). The portal gives no single reliable signal,
// so the first branch to resolve decides. A shared flag keeps the
// polling branch from declaring NEEDS_DUO after login already won; the
// loser's wait is cancelled once a winner is known and any in-flight
// probe settles into the void.
func (a *Acquirer) raceDuo(ctx context.Context, page browser.Page) loginResult {
	results := make(chan loginResult, 2)
	var loggedIn atomic.Bool

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		waitCtx, waitCancel := context.WithTimeout(raceCtx, a.timings.GoButtonWait)
		defer waitCancel()

		err := page.WaitVisible(waitCtx, selGoButton)
		if err != nil {
			// covers the timeout, mapped to a retryable unknown error
			results <- loginUnknownError
			return
		}
		loggedIn.Store(true)
		results <- loginLoggedIn
	}()

	go func() {
		ticker := time.NewTicker(a.timings.DuoPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-raceCtx.Done():
				return
			case <-ticker.C:
			}
			if loggedIn.Load() {
				return
			}

			heading, err := page.IsVisible(raceCtx, selDuoHeading)
			if err != nil || !heading {
				continue
			}
			otherOptions, err := page.IsVisible(raceCtx, selDuoOtherOptions)
			if err != nil || !otherOptions {
				continue
			}
			if loggedIn.Load() {
				// login resolved while we probed, drop the stale result
				return
			}
			results <- loginNeedsDuo
			return
		}
	}()

	select {
	case r := <-results:
		return r
	case <-ctx.Done():
		return loginUnknownError
	}
}

// waits out the Duo handshake and registers device trust so later
// acquisitions skip the prompt entirely
func (a *Acquirer) confirmDuoTrust(ctx context.Context, page browser.Page, term string) attemptOutcome {
	visible, err := page.IsVisible(ctx, selDuoHeading)
	if err != nil || !visible {
		slog.ErrorContext(ctx, "duo prompt element missing after race", "err", err)
		return attemptSoftFail
	}

	a.log.Printf(term, "waiting for duo confirmation")
	waitCtx, cancel := context.WithTimeout(ctx, a.timings.TrustBrowserWait)
	defer cancel()
	err = page.WaitVisible(waitCtx, selTrustBrowser)
	if err != nil {
		a.log.Printf(term, "duo confirmation timed out")
		return attemptSoftFail
	}

	if err := sleep(ctx, a.timings.Settle); err != nil {
		return attemptSoftFail
	}
	err = page.Click(ctx, selTrustBrowser)
	if err != nil {
		slog.ErrorContext(ctx, "failed to click trust-browser button", "err", err)
		return attemptSoftFail
	}
	a.log.Printf(term, "registered browser trust")
	return attemptOk
}

// waits for the landing page, applies term selection when configured,
// and returns the url cookies should be scoped to
func (a *Acquirer) finishLogin(ctx context.Context, page browser.Page, state *State) (string, attemptOutcome) {
	waitCtx, cancel := context.WithTimeout(ctx, a.timings.PostAuthWait)
	defer cancel()

	err := page.WaitVisible(waitCtx, selTermSelect)
	if err == nil {
		err = page.WaitVisible(waitCtx, selGoButton)
	}
	if err != nil {
		slog.WarnContext(ctx, "landing page never settled", "err", err)
		return "", attemptSoftFail
	}

	if state.Term == nil {
		return getTermUrl, attemptOk
	}

	a.log.Printf(state.TermTag(), "selecting term (seq id %d)", state.Term.SeqId)
	err = page.Click(ctx, fmt.Sprintf(selTermOption, state.Term.SeqId))
	if err == nil {
		err = page.Click(ctx, selGoButton)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to select term", "err", err)
		return "", attemptSoftFail
	}

	return fmt.Sprintf(schedNamesUrl, state.Term.Name), attemptOk
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
