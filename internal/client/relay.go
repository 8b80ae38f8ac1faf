// Package client provides the outbound HTTP executor for relay calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"safe-relay-go/internal/config"
	"safe-relay-go/internal/metrics"
	"safe-relay-go/internal/model"
	"safe-relay-go/internal/target"
)

// ErrBodyTooLarge is returned when an upstream body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

const (
	userAgent = "safe-relay-go/1.0"

	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// forwardableResponseHeaders are the upstream headers kept on an Outcome.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Etag":             true,
	"Last-Modified":    true,
}

// RelayClient performs the outbound call for a validated target.
// It is safe for concurrent use; all calls share one connection pool.
type RelayClient struct {
	httpClient   *http.Client
	policy       *target.Policy
	logger       *slog.Logger
	metrics      *metrics.Metrics
	timeout      time.Duration
	maxRedirects int
	maxBodyBytes int64
}

// NewRelayClient creates a RelayClient with connection pooling, a per-call
// timeout and a redirect policy. Every redirect target is re-validated and
// every dialed address is checked against policy.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRelayClient(cfg *config.Config, policy *target.Policy, logger *slog.Logger, m *metrics.Metrics) *RelayClient {
	c := &RelayClient{
		policy:       policy,
		logger:       logger.With("component", "relay_client"),
		metrics:      m,
		timeout:      cfg.Relay.Timeout(),
		maxRedirects: cfg.Relay.MaxRedirects,
		maxBodyBytes: cfg.Relay.MaxBodyBytes,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = defaultMaxBodyBytes
	}

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
		Control:   c.dialControl,
	}
	transport := &http.Transport{
		// Environment proxies are ignored so the dial guard sees the real destination.
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Relay.IdleConnections,
		MaxIdleConnsPerHost: cfg.Relay.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c.httpClient = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Execute issues the outbound call for mode and returns its outcome. The call
// is bounded by the client timeout and by ctx; it never returns a nil
// Failure for a call that did not produce a usable result.
func (c *RelayClient) Execute(ctx context.Context, t model.Target, mode model.Mode) model.Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, mode.Method(), t.URL, http.NoBody)
	if err != nil {
		return model.Fail(model.FailurePolicy, fmt.Sprintf("build upstream request: %v", err))
	}
	req.Header.Set("User-Agent", userAgent)
	if mode == model.ModeFullFetch {
		req.Header.Set("Accept", "application/json")
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", t.Host,
		"mode", mode.String(),
	)

	start := time.Now()
	out := c.do(ctx, req, mode)
	c.observe(mode, time.Since(start), out)
	return out
}

func (c *RelayClient) do(ctx context.Context, req *http.Request, mode model.Mode) model.Outcome {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.failure(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := model.Outcome{
		StatusCode: resp.StatusCode,
		StatusText: reasonPhrase(resp),
		Header:     filterResponseHeaders(resp.Header),
	}
	if mode == model.ModeHeadProbe {
		return out
	}

	body, err := readLimited(resp.Body, c.maxBodyBytes)
	if errors.Is(err, ErrBodyTooLarge) {
		return model.Fail(model.FailureInvalidResponse,
			fmt.Sprintf("response body exceeds %d bytes", c.maxBodyBytes))
	}
	if err != nil {
		return c.failure(ctx, fmt.Errorf("read upstream body: %w", err))
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.Fail(model.FailureInvalidResponse, fmt.Sprintf("invalid JSON response body: %v", err))
	}
	out.Body = raw
	return out
}

// failure classifies a transport error. ctx is the per-call context, so its
// deadline distinguishes our timeout from the caller going away.
func (c *RelayClient) failure(ctx context.Context, err error) model.Outcome {
	switch {
	case errors.Is(err, target.ErrPolicyViolation):
		return model.Fail(model.FailurePolicy, errorDetail(err))
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		return model.Fail(model.FailureTimeout, fmt.Sprintf("upstream did not respond within %s", c.timeout))
	case errors.Is(err, context.Canceled):
		return model.Fail(model.FailureConnection, "request canceled: client disconnected")
	default:
		return model.Fail(model.FailureConnection, errorDetail(err))
	}
}

func (c *RelayClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		c.rejected(metrics.StageRedirect)
		return fmt.Errorf("%w: stopped after %d redirects", target.ErrPolicyViolation, c.maxRedirects)
	}
	if _, err := c.policy.Validate(req.URL.String()); err != nil {
		c.rejected(metrics.StageRedirect)
		return fmt.Errorf("redirect rejected: %w", err)
	}
	return nil
}

func (c *RelayClient) dialControl(network, address string, rc syscall.RawConn) error {
	if err := c.policy.Control(network, address, rc); err != nil {
		c.rejected(metrics.StageDial)
		c.logger.Warn("blocked dial to reserved address", "address", address)
		return err
	}
	return nil
}

func (c *RelayClient) rejected(stage string) {
	if c.metrics != nil {
		c.metrics.PolicyRejections.WithLabelValues(stage).Inc()
	}
}

func (c *RelayClient) observe(mode model.Mode, d time.Duration, out model.Outcome) {
	if c.metrics == nil {
		return
	}
	m := mode.String()
	c.metrics.UpstreamDuration.WithLabelValues(m).Observe(d.Seconds())
	if out.OK() {
		c.metrics.UpstreamResponses.WithLabelValues(m, strconv.Itoa(out.StatusCode)).Inc()
		return
	}
	c.metrics.UpstreamFailures.WithLabelValues(m, out.Failure.Kind.String()).Inc()
}

// readLimited reads at most limit bytes from r and reports ErrBodyTooLarge
// when more are available.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// reasonPhrase returns the upstream reason phrase, falling back to the
// standard text when the upstream sent none.
func reasonPhrase(resp *http.Response) string {
	text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorDetail strips the `Get "<url>":` wrapper so the detail names the cause.
func errorDetail(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
