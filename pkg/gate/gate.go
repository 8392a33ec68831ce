// Package gate wraps every outbound API call in rate limit coordination:
// a proactive coordinator pass before the request goes out, and reactive
// re-entry through the same cooldown primitive when the server answers
// with a 429.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for gated requests.
var (
	gateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "import_requests_total",
		Help: "Total gated API requests by status",
	}, []string{"status"})

	gateRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "import_request_duration_seconds",
		Help:    "Gated API request duration including coordinated sleeps",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	gateErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "import_request_errors_total",
		Help: "Gated API request errors by class",
	}, []string{"class"})
)

// Coordinator is the slice of the rate limit coordinator the gate needs.
type Coordinator interface {
	// Acquire blocks until one request may be sent.
	Acquire(ctx context.Context) error

	// ReportRejection converts a server retry hint into a shared
	// cooldown and sleeps it off.
	ReportRejection(ctx context.Context, retryAfter time.Duration) error
}

// Config holds the gate configuration.
type Config struct {
	// UserAgent sent on every request.
	UserAgent string

	// Timeout per HTTP attempt, excluding coordinated sleeps.
	Timeout time.Duration

	// Max429Retries bounds how often one call is replayed after server
	// 429 responses before giving up on this attempt. The item's own
	// retry budget still applies on top.
	Max429Retries int

	// DefaultRetryAfter is used when a 429 carries no usable
	// Retry-After header.
	DefaultRetryAfter time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:         userAgent,
		Timeout:           30 * time.Second,
		Max429Retries:     3,
		DefaultRetryAfter: 60 * time.Second,
	}
}

// Gate sends HTTP requests through the rate limit coordinator.
type Gate struct {
	httpClient *http.Client
	coord      Coordinator
	config     Config
	logger     zerolog.Logger
}

// New creates a request gate.
func New(coord Coordinator, cfg Config, logger zerolog.Logger) (*Gate, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Max429Retries < 0 {
		cfg.Max429Retries = 0
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 60 * time.Second
	}
	return &Gate{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		coord:      coord,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Do sends the request through the coordinator. On a 429 it re-enters
// the coordinator with the server's retry hint and replays the call, up
// to Max429Retries times. Other failures are classified and returned as
// an *APIError for the retry scheduler to act on; a coordination store
// outage aborts the attempt outright (fail closed).
func (g *Gate) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()
	defer func() {
		gateRequestDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		if err := g.coord.Acquire(ctx); err != nil {
			// Skipping the check would stampede the API the moment the
			// store blinks, so surface this loudly instead.
			g.logger.Error().Err(err).
				Str("url", req.URL.String()).
				Msg("Rate limit coordination unavailable - aborting attempt")
			return nil, fmt.Errorf("acquire rate limit slot: %w", err)
		}

		resp, err := g.send(req)
		if err != nil {
			gateErrorsTotal.WithLabelValues(string(ErrorClassTransient)).Inc()
			gateRequestsTotal.WithLabelValues("network_error").Inc()
			return nil, &APIError{
				Class:   ErrorClassTransient,
				Message: "request failed",
				Err:     err,
			}
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return g.finish(req, resp)
		}

		// Reactive path: the server rejected us despite proactive
		// throttling. Feed its hint into the shared cooldown and replay.
		hint := g.retryAfterHint(resp)
		resp.Body.Close()
		gateRequestsTotal.WithLabelValues("429").Inc()
		gateErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()

		if attempt >= g.config.Max429Retries {
			g.logger.Warn().
				Str("url", req.URL.String()).
				Int("attempts", attempt+1).
				Msg("Giving up after repeated rate limit rejections")
			return nil, &APIError{
				StatusCode: http.StatusTooManyRequests,
				Class:      ErrorClassRateLimit,
				Message:    "too many requests",
				Err:        ErrRateLimitRetriesExhausted,
			}
		}

		if err := g.coord.ReportRejection(ctx, hint); err != nil {
			return nil, fmt.Errorf("report rate limit rejection: %w", err)
		}
	}
}

// Get performs a gated GET request.
func (g *Gate) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return g.Do(req)
}

// send executes one HTTP attempt with a fresh request copy, so the call
// can be replayed after a coordinated sleep.
func (g *Gate) send(req *http.Request) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attempt.Body = body
	}
	if g.config.UserAgent != "" {
		attempt.Header.Set("User-Agent", g.config.UserAgent)
	}
	attempt.Header.Set("Accept", "application/json")
	return g.httpClient.Do(attempt)
}

// finish classifies a non-429 response.
func (g *Gate) finish(req *http.Request, resp *http.Response) (*http.Response, error) {
	gateRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 400 {
		return resp, nil
	}

	class := classify(resp, nil)
	gateErrorsTotal.WithLabelValues(string(class)).Inc()
	g.logger.Warn().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("API request error")

	resp.Body.Close()
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Message:    resp.Status,
	}
}

// retryAfterHint extracts the server's retry hint from a 429 response.
// Accepts delay-seconds or an HTTP date; falls back to the configured
// default when the header is absent or unusable.
func (g *Gate) retryAfterHint(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return g.config.DefaultRetryAfter
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return g.config.DefaultRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return g.config.DefaultRetryAfter
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (g *Gate) SetHTTPClient(client *http.Client) {
	g.httpClient = client
}
