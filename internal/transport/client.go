package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubeadapt/pve-agent/internal/config"
	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/internal/session"
)

// Authenticator is the part of the session manager the Client needs.
type Authenticator interface {
	Authenticate(ctx context.Context, force bool) (session.Session, error)
	Renew(ctx context.Context, stale session.Session) (session.Session, error)
	Decorate(req *http.Request, s session.Session)
}

// Client issues calls against the Proxmox VE API. Every call goes through
// Do, which handles authentication, retries and response unwrapping.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	auth           Authenticator
	maxAttempts    int
	backoff        time.Duration
	metrics        *observability.Metrics
	errorCollector *agenterrors.ErrorCollector

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient builds the HTTP client shared by the transport and the
// session manager.
func NewHTTPClient(cfg *config.Config) *http.Client {
	// Use an explicit transport instead of http.DefaultTransport to avoid
	// sharing mutable state with other code in the process.
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConcurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		TLSClientConfig: &tls.Config{
			// Proxmox ships self-signed certificates by default.
			InsecureSkipVerify: !cfg.VerifySSL, //nolint:gosec
		},
	}

	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: WithUserAgent("pve-agent/"+cfg.AgentVersion, WithLogging(slog.Default(), base)),
	}
}

// NewClient creates a transport Client.
func NewClient(cfg *config.Config, httpClient *http.Client, auth Authenticator, metrics *observability.Metrics, errCollector *agenterrors.ErrorCollector) *Client {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        cfg.BaseURL(),
		auth:           auth,
		maxAttempts:    attempts,
		backoff:        cfg.RetryBackoff,
		metrics:        metrics,
		errorCollector: errCollector,
		sleep:          sleepWithContext,
	}
}

// Get issues a GET and returns the response's data member.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a form-encoded POST and returns the response's data member.
func (c *Client) Post(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, form)
}

// Do performs one API call. Connection failures and timeouts are retried up
// to the attempt budget with exponential backoff. A 401 triggers one session
// renewal and a retry that counts toward the same budget. Any other status
// >= 400 is returned at once as an *errors.APIError.
func (c *Client) Do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	op := method + " " + path
	var (
		lastErr error
		renewed bool
		delayN  int
	)

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.TransportRetries.Inc()
			}
			// Transient failures back off; a 401 retry goes straight out.
			if agenterrors.IsTransient(lastErr) {
				if err := c.sleep(ctx, c.backoffDelay(delayN)); err != nil {
					lastErr = agenterrors.Classify(op, err)
					break
				}
				delayN++
			}
		}

		// Check context before each attempt.
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = agenterrors.Classify(op, err)
			}
			break
		}

		sess, err := c.auth.Authenticate(ctx, false)
		if err != nil {
			lastErr = err
			if agenterrors.IsTransient(err) {
				continue
			}
			break
		}

		data, err := c.doOnce(ctx, method, path, form, sess)
		if err == nil {
			return data, nil
		}

		if stderrors.Is(err, errUnauthorized) {
			if renewed {
				lastErr = &agenterrors.AuthenticationError{Message: "ticket rejected after renewal", Err: fmt.Errorf("%s: HTTP 401", op)}
				break
			}
			renewed = true
			slog.Debug("ticket rejected, renewing session", "op", op)
			if _, err := c.auth.Renew(ctx, sess); err != nil {
				lastErr = err
				if agenterrors.IsTransient(err) {
					continue
				}
				break
			}
			lastErr = &agenterrors.AuthenticationError{Message: "ticket rejected", Err: fmt.Errorf("%s: HTTP 401", op)}
			continue
		}

		lastErr = err
		if !agenterrors.IsTransient(err) {
			break
		}
	}

	c.report(op, lastErr)
	return nil, lastErr
}

// doOnce performs a single HTTP round trip with the given session.
func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values, sess session.Session) (json.RawMessage, error) {
	op := method + " " + path

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	c.auth.Decorate(req, sess)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.recordStatus(method, "error")
		return nil, agenterrors.Classify(op, err)
	}
	c.recordStatus(method, fmt.Sprintf("%d", resp.StatusCode))

	cr := NewCountingReader(resp.Body)
	resp.Body = io.NopCloser(cr)
	defer func() {
		if c.metrics != nil {
			c.metrics.APIResponseBytes.Add(float64(cr.Count()))
		}
	}()

	data, err := ParseResponse(resp, method, path)
	if err != nil && !agenterrors.IsClassified(err) && !stderrors.Is(err, errUnauthorized) {
		// Body read failures mid-stream are transport failures.
		return nil, agenterrors.Classify(op, err)
	}
	return data, err
}

func (c *Client) backoffDelay(n int) time.Duration {
	return c.backoff << n
}

func (c *Client) recordStatus(method, code string) {
	if c.metrics != nil {
		c.metrics.APIRequestsTotal.WithLabelValues(method, code).Inc()
	}
}

func (c *Client) report(op string, err error) {
	if err == nil || c.errorCollector == nil {
		return
	}
	c.errorCollector.Report(agenterrors.AgentError{
		Code:      agenterrors.CodeFor(err),
		Message:   fmt.Sprintf("%s failed: %v", op, err),
		Component: "transport",
		Timestamp: time.Now().UnixMilli(),
		Err:       err,
	})
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
