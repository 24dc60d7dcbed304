package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from values
// that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numeric settings are clamped
// and reported as warnings; malformed URLs, control characters and unusable
// script settings are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var res ValidationResult

	if err := checkHTTPURL("install_url", c.InstallURL); err != nil {
		res.Fatals = append(res.Fatals, err)
	}
	if c.Referer != "" {
		if err := checkHTTPURL("referer", c.Referer); err != nil {
			res.Fatals = append(res.Fatals, err)
		}
	}

	for name, val := range map[string]string{
		"username":        c.Username,
		"referer":         c.Referer,
		"staging_dir":     c.StagingDir,
		"lib_dir":         c.LibDir,
		"install_script":  c.InstallScript,
		"escalation_tool": c.EscalationTool,
		"tls_ca_file":     c.TLSCAFile,
		"tls_cert_file":   c.TLSCertFile,
		"tls_key_file":    c.TLSKeyFile,
		"audit_file":      c.AuditFile,
	} {
		if hasControl(val) {
			res.Fatals = append(res.Fatals, fmt.Errorf("%s contains control characters", name))
		}
	}

	if strings.TrimSpace(c.EscalationTool) == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("escalation_tool must not be empty"))
	}
	if strings.TrimSpace(c.InstallScript) == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("install_script must not be empty"))
	}
	for name, val := range map[string]string{
		"install_script": c.InstallScript,
		"package_domain": c.PackageDomain,
		"metadata_file":  c.MetadataFile,
	} {
		if strings.Contains(val, "/") || strings.Contains(val, "..") {
			res.Fatals = append(res.Fatals, fmt.Errorf("%s %q must be a plain file name", name, val))
		}
	}
	if c.HostKeyMD5 != "" && !isHexMD5(c.HostKeyMD5) {
		res.Fatals = append(res.Fatals, fmt.Errorf("host_key_md5 must be 32 hex characters"))
	}
	if c.StagingDir == "" {
		res.Fatals = append(res.Fatals, fmt.Errorf("staging_dir must not be empty"))
	}

	if c.NetworkPollSeconds < 1 {
		res.Warnings = append(res.Warnings, fmt.Errorf("network_poll_seconds %d is below minimum 1, clamping", c.NetworkPollSeconds))
		c.NetworkPollSeconds = 1
	} else if c.NetworkPollSeconds > 300 {
		res.Warnings = append(res.Warnings, fmt.Errorf("network_poll_seconds %d exceeds maximum 300, clamping", c.NetworkPollSeconds))
		c.NetworkPollSeconds = 300
	}

	if c.HTTPTimeoutSeconds < 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("http_timeout_seconds %d is negative, using 0 (no timeout)", c.HTTPTimeoutSeconds))
		c.HTTPTimeoutSeconds = 0
	} else if c.HTTPTimeoutSeconds > 3600 {
		res.Warnings = append(res.Warnings, fmt.Errorf("http_timeout_seconds %d exceeds maximum 3600, clamping", c.HTTPTimeoutSeconds))
		c.HTTPTimeoutSeconds = 3600
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), using info", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), using text", c.LogFormat))
		c.LogFormat = "text"
	}

	for _, err := range res.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return res
}

func checkHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", field, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}

func isHexMD5(s string) bool {
	s = strings.ReplaceAll(s, ":", "")
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
