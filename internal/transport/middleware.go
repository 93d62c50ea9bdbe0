package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
)

// maxResponseBody caps how much of a response is read. Full cluster listings
// stay well below this.
const maxResponseBody = 32 << 20

// errUnauthorized marks a 401 so Do can renew the session and retry.
var errUnauthorized = errors.New("transport: unauthorized (HTTP 401)")

// uaTransport sets the User-Agent header on every request.
type uaTransport struct {
	userAgent string
	next      http.RoundTripper
}

// WithUserAgent wraps a RoundTripper so every request carries userAgent.
func WithUserAgent(userAgent string, next http.RoundTripper) http.RoundTripper {
	return &uaTransport{userAgent: userAgent, next: next}
}

func (u *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", u.userAgent)
	return u.next.RoundTrip(req)
}

// loggingTransport logs request method/path and response status.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging. The query
// string is left out so credentials never reach the log.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Warn("HTTP request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// ParseResponse reads an API response and returns its data member.
// A 401 yields errUnauthorized; any other non-2xx status yields an
// *errors.APIError carrying the (truncated) body.
func ParseResponse(resp *http.Response, method, path string) (json.RawMessage, error) {
	defer drainAndClose(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errUnauthorized

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &agenterrors.APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(errorBody(resp, body), 512),
		}
	}

	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !gjson.ValidBytes(body) {
		return nil, &agenterrors.APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       "invalid JSON response: " + truncate(string(body), 128),
		}
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data.Raw), nil
}

// errorBody prefers the API's error details over the raw body. Proxmox
// reports the reason in the status line and parameter errors under "errors".
func errorBody(resp *http.Response, body []byte) string {
	if errs := gjson.GetBytes(body, "errors"); errs.Exists() {
		return errs.Raw
	}
	if len(body) > 0 && string(body) != `{"data":null}` {
		return string(body)
	}
	return resp.Status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
