package readiness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeSelfSignedReady(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>Kamiwaza</title></html>`))
	}))
	defer srv.Close()

	p := NewProber("/", "kamiwaza", time.Second)
	res := p.Probe(context.Background(), srv.URL+"/")
	assert.True(t, res.Ready, res.Detail)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProbeNotReady(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("kamiwaza is starting"))
		},
		"no marker": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("Welcome to nginx!"))
		},
		"redirect elsewhere": func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/setup", http.StatusFound)
		},
	}
	p := NewProber("/", "kamiwaza", time.Second)
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewTLSServer(h)
			defer srv.Close()
			res := p.Probe(context.Background(), srv.URL+"/")
			assert.False(t, res.Ready)
			assert.NotEmpty(t, res.Detail)
		})
	}
}

func TestProbeRedirectToMarker(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/kamiwaza/login", http.StatusFound)
	}))
	defer srv.Close()

	res := NewProber("/", "kamiwaza", time.Second).Probe(context.Background(), srv.URL+"/")
	assert.True(t, res.Ready)
	assert.Equal(t, http.StatusFound, res.StatusCode)
}

func TestProbeConnectionRefusedIsNotReady(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewProber("/", "kamiwaza", 200*time.Millisecond).Probe(context.Background(), url)
	assert.False(t, res.Ready)
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Detail)
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "https://1.2.3.4/health", NewProber("health", "x", 0).Target("1.2.3.4"))
	assert.Equal(t, "https://1.2.3.4/", NewProber("", "x", 0).Target("1.2.3.4"))
}

func TestEvaluate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	budget := 30 * time.Minute

	assert.Equal(t, Waiting, Evaluate(start.Add(time.Minute), start, budget, false, Result{}))
	assert.Equal(t, Ready, Evaluate(start.Add(time.Minute), start, budget, false, Result{Ready: true}))
	assert.Equal(t, Ready, Evaluate(start.Add(time.Hour), start, budget, false, Result{Ready: true}))
	assert.Equal(t, TimedOut, Evaluate(start.Add(budget), start, budget, false, Result{}))
	assert.Equal(t, Cancelled, Evaluate(start.Add(time.Minute), start, budget, true, Result{Ready: true}))
	assert.False(t, Waiting.Terminal())
	assert.True(t, TimedOut.Terminal())
}
