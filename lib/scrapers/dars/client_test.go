package dars

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	"webreg-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseUrl string) *Client {
	t.Cleanup(telemetry.SetupForTesting(t, "test:scrapers/dars"))
	return NewClient(ClientOptions{
		BaseUrl:          baseUrl,
		MaxPollAttempts:  5,
		PollIntervalBase: time.Millisecond,
		MaxPollTimeout:   time.Second * 5,
	})
}

func TestClientGetOrCreateAudit(t *testing.T) {
	var reads atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/audit/create.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/audit/list.html?autoPoll=true", http.StatusFound)
	})
	mux.HandleFunc("/audit/list.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listWithReport)
	})
	mux.HandleFunc("/audit/read.html", func(w http.ResponseWriter, r *http.Request) {
		reads.Add(1)
		require.Contains(t, r.Header.Get("Cookie"), "jlinksessionidx=abc")
		fmt.Fprint(w, reportHtml)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	audit, err := client.GetOrCreateAudit(context.Background(), "jlinksessionidx=abc", false)
	require.NoError(t, err)
	require.Equal(t, "JobQueueRun!!!!ABC123", audit.AuditId)
	require.Equal(t, reportHtml, audit.Html)
	require.False(t, audit.ScrapedAt.IsZero())

	// second call is served from the session cache
	again, err := client.GetOrCreateAudit(context.Background(), "jlinksessionidx=abc", false)
	require.NoError(t, err)
	require.Equal(t, audit, again)
	require.Equal(t, int32(1), reads.Load())
}

func TestClientPollsUntilComplete(t *testing.T) {
	var listHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/audit/create.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/audit/list.html?autoPoll=true", http.StatusFound)
	})
	mux.HandleFunc("/audit/list.html", func(w http.ResponseWriter, r *http.Request) {
		if listHits.Add(1) < 3 {
			fmt.Fprint(w, `<table><tr><td><a href="read.html?id=J1">v</a></td><td>Running</td></tr></table>`)
			return
		}
		fmt.Fprint(w, `<table><tr><td><a href="read.html?id=J1">v</a></td><td>Complete</td></tr></table>`)
	})
	mux.HandleFunc("/audit/read.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, reportHtml)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	audit, err := client.GetOrCreateAudit(context.Background(), "c=1", false)
	require.NoError(t, err)
	require.Equal(t, "J1", audit.AuditId)
	require.GreaterOrEqual(t, listHits.Load(), int32(3))
}

func TestClientSessionExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/audit/create.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?service=dars", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>Signing on Using: TritonLink</html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetOrCreateAudit(context.Background(), "c=1", false)
	require.ErrorIs(t, err, ErrSessionExpired)
	// expired sessions are an auth problem, not a portal outage
	require.Equal(t, int32(0), client.breaker.Failures())
}

func TestClientCircuitBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	for i := 0; i < 5; i++ {
		_, err := client.GetOrCreateAudit(context.Background(), "c=1", true)
		require.Error(t, err)
	}
	_, err := client.GetOrCreateAudit(context.Background(), "c=1", true)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestPollDelayBackoff(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")
	client.opts.PollIntervalBase = time.Millisecond * 500

	d1 := client.pollDelay(1)
	d2 := client.pollDelay(2)
	d5 := client.pollDelay(5)
	require.GreaterOrEqual(t, d1, time.Millisecond*500)
	require.GreaterOrEqual(t, d2, time.Second)
	require.GreaterOrEqual(t, d5, time.Second*8)
	// capped at 10s plus 20% jitter
	require.LessOrEqual(t, client.pollDelay(50), time.Second*12)
}
