// Package session owns authentication against the Proxmox VE API.
//
// In password mode the Manager logs in through /access/ticket and holds the
// resulting ticket and CSRF token. In API-token mode there is nothing to log
// in to and every request carries the token header instead.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
)

const (
	ticketPath   = "/access/ticket"
	maxLoginBody = 64 << 10
	defaultRealm = "pam"
)

// Credentials identify the API user. Exactly one of Password or the token
// pair is expected to be set.
type Credentials struct {
	Username   string
	Password   string
	TokenName  string
	TokenValue string
}

// TokenMode reports whether the credentials are an API token.
func (c Credentials) TokenMode() bool {
	return c.TokenName != "" && c.TokenValue != ""
}

// UserID returns the username qualified with a realm, defaulting to @pam.
func (c Credentials) UserID() string {
	if strings.Contains(c.Username, "@") {
		return c.Username
	}
	return c.Username + "@" + defaultRealm
}

// Session is an authenticated ticket and its companion CSRF token.
type Session struct {
	Ticket    string
	CSRFToken string
	IssuedAt  time.Time
}

// Options configure a Manager.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials Credentials
	// Lifetime is how long a ticket is reused before a fresh login.
	Lifetime time.Duration
	Clock    agenterrors.Clock
	Metrics  *observability.Metrics
}

// Manager holds the current Session. It is safe for concurrent use; logins
// are coalesced so concurrent callers trigger at most one request.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
	lifetime   time.Duration
	clock      agenterrors.Clock
	metrics    *observability.Metrics

	mu      sync.RWMutex
	current *Session

	group singleflight.Group
}

// NewManager creates a Manager. No request is made until the first call.
func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = agenterrors.RealClock{}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Manager{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: hc,
		creds:      opts.Credentials,
		lifetime:   opts.Lifetime,
		clock:      clock,
		metrics:    opts.Metrics,
	}
}

// Authenticate returns a valid Session, logging in if there is none or the
// held one has outlived its lifetime. With force set it always logs in.
func (m *Manager) Authenticate(ctx context.Context, force bool) (Session, error) {
	if m.creds.TokenMode() {
		return Session{}, nil
	}
	if !force {
		if s, ok := m.valid(); ok {
			return s, nil
		}
	}
	return m.do(ctx, func() (Session, error) {
		if !force {
			if s, ok := m.valid(); ok {
				return s, nil
			}
		}
		return m.login(ctx)
	})
}

// Renew replaces a session the server rejected. Callers that all hold the
// same stale session share a single login; a caller whose stale session was
// already replaced gets the replacement without another login.
func (m *Manager) Renew(ctx context.Context, stale Session) (Session, error) {
	if m.creds.TokenMode() {
		return Session{}, nil
	}
	return m.do(ctx, func() (Session, error) {
		if cur, ok := m.Current(); ok && cur.Ticket != stale.Ticket {
			return cur, nil
		}
		return m.login(ctx)
	})
}

// Current returns the held session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Invalidate drops the held session if it is still s.
func (m *Manager) Invalidate(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Ticket == s.Ticket {
		m.current = nil
	}
}

// Decorate attaches credentials for s to req. Requests other than GET also
// carry the CSRF token.
func (m *Manager) Decorate(req *http.Request, s Session) {
	if m.creds.TokenMode() {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s!%s=%s",
			m.creds.UserID(), m.creds.TokenName, m.creds.TokenValue))
		return
	}
	req.Header.Set("Cookie", "PVEAuthCookie="+s.Ticket)
	if req.Method != http.MethodGet && s.CSRFToken != "" {
		req.Header.Set("CSRFPreventionToken", s.CSRFToken)
	}
}

func (m *Manager) valid() (Session, bool) {
	s, ok := m.Current()
	if !ok {
		return Session{}, false
	}
	if m.lifetime > 0 && m.clock.Now().Sub(s.IssuedAt) >= m.lifetime {
		return Session{}, false
	}
	return s, true
}

func (m *Manager) do(ctx context.Context, fn func() (Session, error)) (Session, error) {
	ch := m.group.DoChan("login", func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return Session{}, agenterrors.Classify("POST "+ticketPath, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) login(ctx context.Context) (Session, error) {
	op := "POST " + ticketPath
	form := url.Values{
		"username": {m.creds.UserID()},
		"password": {m.creds.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+ticketPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("session: failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.recordLogin("error")
		return Session{}, agenterrors.Classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginBody))
	if err != nil {
		m.recordLogin("error")
		return Session{}, agenterrors.Classify(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		m.recordLogin("rejected")
		return Session{}, &agenterrors.AuthenticationError{
			Message: fmt.Sprintf("invalid credentials for %s (HTTP %d)", m.creds.UserID(), resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		m.recordLogin("error")
		return Session{}, &agenterrors.APIError{
			Method:     http.MethodPost,
			Path:       ticketPath,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
		}
	}

	data := gjson.GetBytes(body, "data")
	ticket := data.Get("ticket").String()
	if ticket == "" {
		// The API answers 200 with a null payload for some failed logins.
		m.recordLogin("rejected")
		return Session{}, &agenterrors.AuthenticationError{Message: "login response did not contain a ticket"}
	}

	s := Session{
		Ticket:    ticket,
		CSRFToken: data.Get("CSRFPreventionToken").String(),
		IssuedAt:  m.clock.Now(),
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()

	m.recordLogin("success")
	slog.Info("authenticated to proxmox api", "user", m.creds.UserID())
	return s, nil
}

func (m *Manager) recordLogin(result string) {
	if m.metrics != nil {
		m.metrics.LoginsTotal.WithLabelValues(result).Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
