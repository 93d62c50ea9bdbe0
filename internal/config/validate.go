package config

import (
	"fmt"
	"strings"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: PVE_HOST is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: Port must be 1-65535, got %d", c.Port)
	}

	if c.Username == "" {
		return fmt.Errorf("config: PVE_USERNAME is required")
	}
	hasPassword := c.Password != ""
	hasToken := c.TokenName != "" && c.TokenValue != ""
	if c.UsesToken() && !hasToken {
		return fmt.Errorf("config: PVE_TOKEN_NAME and PVE_TOKEN_VALUE must be set together")
	}
	if hasPassword == hasToken {
		return fmt.Errorf("config: exactly one of PVE_PASSWORD or the PVE_TOKEN_NAME/PVE_TOKEN_VALUE pair is required")
	}
	if hasToken && strings.ContainsAny(c.TokenName, "!=") {
		return fmt.Errorf("config: TokenName must not contain '!' or '=', got %q", c.TokenName)
	}

	if c.PollInterval < MinPollInterval || c.PollInterval > MaxPollInterval {
		return fmt.Errorf("config: PollInterval must be between %v and %v, got %v", MinPollInterval, MaxPollInterval, c.PollInterval)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: PollTimeout must be > 0, got %v", c.PollTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: RequestTimeout must be > 0, got %v", c.RequestTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MaxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("config: RetryBackoff must be >= 0, got %v", c.RetryBackoff)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("config: MaxConcurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.StaleTolerance < 0 {
		return fmt.Errorf("config: StaleTolerance must be >= 0, got %d", c.StaleTolerance)
	}
	if c.TicketLifetime <= 0 {
		return fmt.Errorf("config: TicketLifetime must be > 0, got %v", c.TicketLifetime)
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: LogFormat must be json or text, got %q", c.LogFormat)
	}

	return nil
}
