package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values are clamped to safe defaults: a request timeout of
// zero would make every REST call wait forever, so it is never allowed
// through. Other validation errors are logged as warnings but do not prevent
// startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.APIBase != "" {
		u, err := url.Parse(c.APIBase)
		if err != nil {
			errs = append(errs, fmt.Errorf("api_base %q is not a valid URL: %w", c.APIBase, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("api_base scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.WSURL != "" {
		u, err := url.Parse(c.WSURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("ws_url %q is not a valid URL: %w", c.WSURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("ws_url scheme must be ws, wss, http, or https, got %q", u.Scheme))
		}
	}

	if c.RequestTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds %d is below minimum 1, clamping to 30", c.RequestTimeoutSeconds))
		c.RequestTimeoutSeconds = 30
	} else if c.RequestTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds %d exceeds maximum 300, clamping", c.RequestTimeoutSeconds))
		c.RequestTimeoutSeconds = 300
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
