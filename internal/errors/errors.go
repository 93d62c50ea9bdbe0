package errors

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Code classifies an active error for health reporting.
type Code string

// Error codes surfaced through the ErrorCollector.
const (
	ErrAuthFailed     Code = "AUTH_FAILED"
	ErrAPIUnreachable Code = "API_UNREACHABLE"
	ErrAPIRejected    Code = "API_REJECTED"
	ErrTimeout        Code = "TIMEOUT"
	ErrPartialData    Code = "PARTIAL_DATA"
	ErrPollFailed     Code = "POLL_FAILED"
	ErrActionFailed   Code = "ACTION_FAILED"
)

// DefaultTTL is how long an error stays active without being reported again.
const DefaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// AgentError is a report to the ErrorCollector: a code, the component that
// raised it, and the underlying error. Timestamp is unix milliseconds and is
// filled in by Report when zero.
type AgentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

func (e *AgentError) Error() string {
	return e.Message
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// ActiveError is the latest report for one Code+Component pair together
// with how often and since when it has been seen.
type ActiveError struct {
	AgentError
	Count     int   `json:"count"`
	FirstSeen int64 `json:"first_seen"`
}

type entry struct {
	latest     AgentError
	count      int
	firstSeen  time.Time
	lastReport time.Time
}

// ErrorCollector tracks errors that are currently active. Entries are keyed
// by Code+Component. An entry goes away when its owner resolves it or when
// it has not been reported for the TTL.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	ttl     time.Duration
	entries map[string]*entry
}

// NewErrorCollector creates an ErrorCollector using DefaultTTL.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return NewErrorCollectorWithTTL(clock, DefaultTTL)
}

// NewErrorCollectorWithTTL creates an ErrorCollector whose entries expire
// after ttl. A non-positive ttl means DefaultTTL.
func NewErrorCollectorWithTTL(clock Clock, ttl time.Duration) *ErrorCollector {
	if clock == nil {
		clock = RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ErrorCollector{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error.
func (ec *ErrorCollector) Report(err AgentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	if err.Timestamp == 0 {
		err.Timestamp = now.UnixMilli()
	}

	k := key(err.Code, err.Component)
	e, ok := ec.entries[k]
	if !ok || now.Sub(e.lastReport) > ec.ttl {
		e = &entry{firstSeen: now}
		ec.entries[k] = e
	}
	e.latest = err
	e.count++
	e.lastReport = now
}

// Resolve drops the error for code and component, if any. Components call
// it once the condition that raised the error has cleared.
func (ec *ErrorCollector) Resolve(code Code, component string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	delete(ec.entries, key(code, component))
}

// GetActiveErrors returns the errors reported within the TTL, ordered by
// code then component.
func (ec *ErrorCollector) GetActiveErrors() []ActiveError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.expireLocked()
	result := make([]ActiveError, 0, len(ec.entries))
	for _, e := range ec.entries {
		result = append(result, ActiveError{
			AgentError: e.latest,
			Count:      e.count,
			FirstSeen:  e.firstSeen.UnixMilli(),
		})
	}
	slices.SortFunc(result, func(a, b ActiveError) int {
		return cmp.Or(cmp.Compare(a.Code, b.Code), cmp.Compare(a.Component, b.Component))
	})
	return result
}

// GetActiveErrorCodes returns the sorted, deduplicated codes of the active
// errors.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.expireLocked()
	codes := make([]string, 0, len(ec.entries))
	for _, e := range ec.entries {
		codes = append(codes, string(e.latest.Code))
	}
	slices.Sort(codes)
	return slices.Compact(codes)
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	clear(ec.entries)
}

func (ec *ErrorCollector) expireLocked() {
	now := ec.clock.Now()
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > ec.ttl {
			delete(ec.entries, k)
		}
	}
}
