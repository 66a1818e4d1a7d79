package dars

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
	"webreg-backend/lib/telemetry"
	"webreg-backend/lib/timezone"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

// Client fetches audits over plain HTTP using a cookie string from the
// Session Acquirer, without holding a browser open. create.html queues a
// generation job and redirects to list.html, which is polled until the
// job's read link appears.
type Client struct {
	// redirects disabled so the Location header off create.html can be
	// inspected
	noRedirect   *resty.Client
	withRedirect *resty.Client
	opts         ClientOptions
	cache        *Cache
	breaker      *CircuitBreaker
	locks        *sessionLocks
}

type ClientOptions struct {
	BaseUrl          string
	MaxPollAttempts  int
	PollIntervalBase time.Duration
	MaxPollTimeout   time.Duration
	UserAgent        string
	CacheTTL         time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseUrl:          defaultBaseUrl,
		MaxPollAttempts:  30,
		PollIntervalBase: time.Millisecond * 500,
		MaxPollTimeout:   time.Second * 120,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
}

func NewClient(opts ClientOptions) *Client {
	defaults := DefaultClientOptions()
	if opts.BaseUrl == "" {
		opts.BaseUrl = defaults.BaseUrl
	}
	if opts.MaxPollAttempts == 0 {
		opts.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if opts.PollIntervalBase == 0 {
		opts.PollIntervalBase = defaults.PollIntervalBase
	}
	if opts.MaxPollTimeout == 0 {
		opts.MaxPollTimeout = defaults.MaxPollTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}

	noRedirect := resty.New()
	noRedirect.SetHeader("user-agent", opts.UserAgent)
	noRedirect.SetTimeout(time.Second * 30)
	noRedirect.SetRedirectPolicy(resty.RedirectPolicyFunc(
		func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	))

	withRedirect := resty.New()
	withRedirect.SetHeader("user-agent", opts.UserAgent)
	withRedirect.SetTimeout(time.Second * 60)
	withRedirect.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	telemetry.InstrumentResty(noRedirect, "scrapers/dars/http")
	telemetry.InstrumentResty(withRedirect, "scrapers/dars/http")

	return &Client{
		noRedirect:   noRedirect,
		withRedirect: withRedirect,
		opts:         opts,
		cache:        NewCache(opts.CacheTTL),
		breaker:      DefaultCircuitBreaker(),
		locks:        newSessionLocks(),
	}
}

var (
	ErrCircuitOpen    = fmt.Errorf("audit circuit breaker is open")
	ErrSessionExpired = fmt.Errorf("session expired, redirected to sign-on")
	ErrJobFailed      = fmt.Errorf("audit generation job failed")
	ErrPollTimeout    = fmt.Errorf("timed out waiting for audit job to complete")
)

// GetOrCreateAudit returns the session's degree audit, generating one
// when the job queue has none, and caching results per session.
func (c *Client) GetOrCreateAudit(ctx context.Context, cookies string, forceRefresh bool) (*Audit, error) {
	ctx, span := tracer.Start(ctx, "client:GetOrCreateAudit")
	defer span.End()

	key := NewSessionKey(cookies)

	if c.breaker.Open() {
		span.SetStatus(codes.Error, "circuit breaker open")
		return nil, ErrCircuitOpen
	}

	if !forceRefresh {
		cached, hit := c.cache.Get(key)
		if hit {
			return cached, nil
		}
	}

	lock := c.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	// another request may have filled the cache while we waited
	if !forceRefresh {
		cached, hit := c.cache.Get(key)
		if hit {
			return cached, nil
		}
	}

	audit, err := c.runAuditFlow(ctx, cookies)
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			c.breaker.RecordFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit flow failed")
		return nil, err
	}

	c.breaker.RecordSuccess()
	c.cache.Add(key, audit)
	return audit, nil
}

func (c *Client) InvalidateCache(cookies string) {
	c.cache.Invalidate(NewSessionKey(cookies))
}

func (c *Client) runAuditFlow(ctx context.Context, cookies string) (*Audit, error) {
	listUrl, err := c.triggerCreate(ctx, cookies)
	if err != nil {
		return nil, err
	}

	job, err := c.discoverJob(ctx, listUrl, cookies)
	if err != nil {
		return nil, err
	}

	if !job.Status.Ready() {
		job, err = c.pollUntilReady(ctx, job, cookies)
		if err != nil {
			return nil, err
		}
	}

	readUrl := fmt.Sprintf("%s%s?id=%s", c.opts.BaseUrl, readPath, url.QueryEscape(job.Id))
	html, err := c.fetchAuditHtml(ctx, readUrl, cookies)
	if err != nil {
		return nil, err
	}

	return &Audit{
		AuditId:   job.Id,
		ScrapedAt: timezone.Now(),
		Url:       readUrl,
		Html:      html,
	}, nil
}

// kicks off report generation, returning the list url the portal
// redirects to
func (c *Client) triggerCreate(ctx context.Context, cookies string) (string, error) {
	res, err := c.noRedirect.R().
		SetContext(ctx).
		SetHeader("cookie", cookies).
		Get(c.opts.BaseUrl + createPath)
	if err != nil {
		return "", err
	}
	if err := checkSessionValid(res); err != nil {
		return "", err
	}

	switch res.StatusCode() {
	case http.StatusFound, http.StatusSeeOther, http.StatusMovedPermanently:
		location := res.Header().Get("Location")
		if location == "" {
			return "", fmt.Errorf("create redirect is missing a Location header")
		}
		return c.absoluteUrl(location)
	case http.StatusOK:
		// some deployments render the list directly instead of redirecting
		return c.opts.BaseUrl + listPath + "?autoPoll=true", nil
	}
	return "", fmt.Errorf("expected a redirect from create.html, got status %d", res.StatusCode())
}

func (c *Client) absoluteUrl(location string) (string, error) {
	if strings.HasPrefix(location, "http") {
		return location, nil
	}
	base, err := url.Parse(c.opts.BaseUrl)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(location, "/") {
		return fmt.Sprintf("%s://%s%s", base.Scheme, base.Host, location), nil
	}
	return fmt.Sprintf("%s/%s", c.opts.BaseUrl, location), nil
}

func (c *Client) discoverJob(ctx context.Context, listUrl, cookies string) (Job, error) {
	res, err := c.withRedirect.R().
		SetContext(ctx).
		SetHeader("cookie", cookies).
		Get(listUrl)
	if err != nil {
		return Job{}, err
	}
	if err := checkSessionValid(res); err != nil {
		return Job{}, err
	}
	if !res.IsSuccess() {
		return Job{}, fmt.Errorf("list page returned status %d", res.StatusCode())
	}

	html := res.String()
	if pageIndicatesProcessing(html) {
		slog.DebugContext(ctx, "audit list reports job still processing")
	}
	return parseNewestJob(html)
}

func (c *Client) pollUntilReady(ctx context.Context, job Job, cookies string) (Job, error) {
	start := time.Now()
	listUrl := c.opts.BaseUrl + listPath + "?autoPoll=true"

	for attempt := 1; ; attempt++ {
		if job.Status.Ready() {
			return job, nil
		}
		if job.Status == JobStatusFailed {
			return Job{}, ErrJobFailed
		}
		if attempt > c.opts.MaxPollAttempts || time.Since(start) > c.opts.MaxPollTimeout {
			return Job{}, ErrPollTimeout
		}

		delay := c.pollDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		}

		var err error
		job, err = c.discoverJob(ctx, listUrl, cookies)
		if err != nil {
			return Job{}, err
		}
	}
}

// exponential backoff capped at 10s, with up to 20% jitter so several
// sessions polling at once don't sync up
func (c *Client) pollDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > 5 {
		exp = 5
	}
	delay := c.opts.PollIntervalBase * (1 << exp)
	if delay > time.Second*10 {
		delay = time.Second * 10
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func (c *Client) fetchAuditHtml(ctx context.Context, readUrl, cookies string) (string, error) {
	res, err := c.withRedirect.R().
		SetContext(ctx).
		SetHeader("cookie", cookies).
		Get(readUrl)
	if err != nil {
		return "", err
	}
	if err := checkSessionValid(res); err != nil {
		return "", err
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("read page returned status %d", res.StatusCode())
	}
	return res.String(), nil
}

// markers of the identity provider's hosts in a post-redirect url
var ssoIndicators = []string{
	"login.ucsd.edu",
	"sso.ucsd.edu",
	"shib",
	"idp",
	"saml",
	"/login",
	"auth.ucsd.edu",
}

func checkSessionValid(res *resty.Response) error {
	finalUrl := strings.ToLower(res.RawResponse.Request.URL.String())
	for _, indicator := range ssoIndicators {
		if strings.Contains(finalUrl, indicator) {
			return ErrSessionExpired
		}
	}
	return nil
}
