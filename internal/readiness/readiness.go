// Package readiness probes a freshly provisioned host until the application answers.
package readiness

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"provisioning-orchestrator/internal/models"
)

// State of a readiness wait.
type State string

const (
	Waiting   State = models.ReadinessWaiting
	Ready     State = models.ReadinessReady
	TimedOut  State = models.ReadinessTimedOut
	Cancelled State = models.ReadinessCancelled
)

// Terminal reports whether no further probes follow.
func (s State) Terminal() bool {
	return s != Waiting
}

// Result of one probe. A connection failure is a not-ready result, never an error.
type Result struct {
	Ready      bool
	StatusCode int
	Detail     string
}

const maxBodyBytes = 256 * 1024

// Prober issues single HTTPS probes. Provisioned hosts serve self-signed certificates,
// so verification is off.
type Prober struct {
	client *http.Client
	path   string
	marker string
}

// NewProber builds a prober that looks for marker in responses to path.
func NewProber(path, marker string, timeout time.Duration) *Prober {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed hosts
	return &Prober{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		path:   path,
		marker: strings.ToLower(marker),
	}
}

// Target is the probe URL for a host address.
func (p *Prober) Target(publicIP string) string {
	return "https://" + publicIP + p.path
}

// Probe performs one GET. Ready means a 2xx or 3xx answer that carries the marker in
// its body, or for a redirect in its Location header.
func (p *Prober) Probe(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Detail: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Detail: err.Error()}
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		res.Detail = resp.Status
		return res
	}
	if p.marker == "" {
		res.Ready = true
		return res
	}
	if resp.StatusCode >= 300 && strings.Contains(strings.ToLower(resp.Header.Get("Location")), p.marker) {
		res.Ready = true
		return res
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if strings.Contains(strings.ToLower(string(body)), p.marker) {
		res.Ready = true
		return res
	}
	res.Detail = "response did not contain the readiness marker"
	return res
}

// Evaluate advances the state machine after a probe. Cancellation wins over everything;
// a ready probe wins over an exhausted budget.
func Evaluate(now, startedAt time.Time, budget time.Duration, cancelled bool, r Result) State {
	switch {
	case cancelled:
		return Cancelled
	case r.Ready:
		return Ready
	case now.Sub(startedAt) >= budget:
		return TimedOut
	default:
		return Waiting
	}
}
