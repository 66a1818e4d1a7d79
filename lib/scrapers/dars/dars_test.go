package dars

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"webreg-backend/lib/browser"
	"webreg-backend/lib/scrapers/webreg"
	"webreg-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func testFetcherTimings() FetcherTimings {
	return FetcherTimings{
		ListNav:       time.Millisecond * 100,
		CreateNav:     time.Millisecond * 100,
		SubmitWait:    time.Millisecond * 50,
		NavBack:       time.Millisecond * 100,
		GeneratePause: time.Millisecond,
	}
}

type fakeAuditPage struct {
	mu sync.Mutex

	// popped one per Content call, the final entry sticks
	contents  []string
	visible   map[string]bool
	navigated []string
	typed     map[string]string
	clicked   []string
	closed    int
}

func newFakeAuditPage(contents ...string) *fakeAuditPage {
	return &fakeAuditPage{
		contents: contents,
		visible:  map[string]bool{},
		typed:    map[string]string{},
	}
}

func (p *fakeAuditPage) Navigate(ctx context.Context, url string, opts ...browser.NavigateOption) (*browser.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return &browser.Response{Status: 200}, nil
}

func (p *fakeAuditPage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.contents) == 0 {
		return "", nil
	}
	content := p.contents[0]
	if len(p.contents) > 1 {
		p.contents = p.contents[1:]
	}
	return content, nil
}

func (p *fakeAuditPage) WaitVisible(ctx context.Context, selector string) error {
	for {
		p.mu.Lock()
		visible := p.visible[selector]
		p.mu.Unlock()
		if visible {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakeAuditPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *fakeAuditPage) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed[selector] = text
	return nil
}

func (p *fakeAuditPage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *fakeAuditPage) WaitNavigation(ctx context.Context, opts ...browser.NavigateOption) error {
	return nil
}

func (p *fakeAuditPage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeAuditBrowser struct {
	page     *fakeAuditPage
	newPages int
}

func (b *fakeAuditBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	b.newPages++
	return b.page, nil
}

func (b *fakeAuditBrowser) Pages(ctx context.Context) ([]browser.Page, error) {
	return []browser.Page{b.page}, nil
}

func (b *fakeAuditBrowser) Cookies(ctx context.Context, url string) ([]browser.Cookie, error) {
	return []browser.Cookie{{Name: "jlinksessionidx", Value: "abc"}}, nil
}

func newTestFetcher(t *testing.T, page *fakeAuditPage) *Fetcher {
	t.Cleanup(telemetry.SetupForTesting(t, "test:scrapers/dars"))

	b := &fakeAuditBrowser{page: page}
	acquirer := webreg.New(b, webreg.Options{
		Timings: webreg.Timings{
			Settle:           time.Millisecond,
			Navigation:       time.Millisecond * 100,
			GoButtonWait:     time.Second,
			DuoPollInterval:  time.Millisecond * 5,
			TrustBrowserWait: time.Millisecond * 100,
			PostAuthWait:     time.Millisecond * 200,
		},
		Log: webreg.NewLogger(io.Discard),
	})
	return NewFetcher(b, acquirer, FetcherOptions{
		Timings: testFetcherTimings(),
		Log:     webreg.NewLogger(io.Discard),
	})
}

const listWithReport = `<html><body><table>
<tr><td><a href="read.html?id=JobQueueRun!!!!ABC123">View</a></td><td>Complete</td></tr>
</table></body></html>`

const listWithoutReport = `<html><body><p>No audits on file.</p></body></html>`

const reportHtml = `<html><body><div id="audit">DEGREE AUDIT BODY</div></body></html>`

func TestFetchDegreeAuditExistingReport(t *testing.T) {
	page := newFakeAuditPage(listWithReport, reportHtml)
	fetcher := newTestFetcher(t, page)

	audit, err := fetcher.FetchDegreeAudit(context.Background(), &webreg.State{Session: &webreg.Session{}})
	require.NoError(t, err)
	require.Equal(t, "JobQueueRun!!!!ABC123", audit.AuditId)
	require.Contains(t, audit.Url, "/audit/read.html?id=")
	require.Equal(t, reportHtml, audit.Html)
	require.False(t, audit.ScrapedAt.IsZero())

	// a present report means the creation flow never runs
	for _, url := range page.navigated {
		require.NotContains(t, url, "create.html")
	}
	require.Empty(t, page.clicked)
	require.Equal(t, 1, page.closed)
}

func TestFetchDegreeAuditGeneratesReport(t *testing.T) {
	page := newFakeAuditPage(listWithoutReport, listWithReport, reportHtml)
	page.visible[`input[type="submit"]`] = true
	fetcher := newTestFetcher(t, page)

	audit, err := fetcher.FetchDegreeAudit(context.Background(), &webreg.State{Session: &webreg.Session{}})
	require.NoError(t, err)
	require.Equal(t, "JobQueueRun!!!!ABC123", audit.AuditId)

	creates := 0
	for _, url := range page.navigated {
		if strings.Contains(url, "create.html") {
			creates++
		}
	}
	require.Equal(t, 1, creates)
	require.Equal(t, []string{`input[type="submit"]`}, page.clicked)
	require.Equal(t, 1, page.closed)
}

func TestFetchDegreeAuditNoSubmitControl(t *testing.T) {
	page := newFakeAuditPage(listWithoutReport)
	fetcher := newTestFetcher(t, page)

	_, err := fetcher.FetchDegreeAudit(context.Background(), &webreg.State{Session: &webreg.Session{}})
	require.ErrorContains(t, err, "could not find submit button")
	require.Equal(t, 1, page.closed)
}

func TestFetchDegreeAuditSessionExpired(t *testing.T) {
	signOnPage := "<html>Signing on Using: TritonLink</html>"
	page := newFakeAuditPage(signOnPage, "", listWithReport, reportHtml)
	page.visible["#startpage-button-go"] = true
	page.visible["#startpage-select-term"] = true
	fetcher := newTestFetcher(t, page)

	state := &webreg.State{Session: &webreg.Session{}}
	audit, err := fetcher.FetchDegreeAudit(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, "JobQueueRun!!!!ABC123", audit.AuditId)

	// the re-acquisition went through the login flow and recorded it
	require.False(t, state.Session.Start.IsZero())
	require.Equal(t, 1, page.closed)
}

func TestExtractReportId(t *testing.T) {
	require.Equal(t, "ABC123", extractReportId(`<a href="read.html?id=ABC123">x</a>`))
	require.Equal(
		t,
		"JobQueueRun%21%21%21%21XYZ",
		extractReportId(`href="read.html?id=JobQueueRun%21%21%21%21XYZ&x=1"`),
	)
	require.Equal(t, "", extractReportId(listWithoutReport))
}
