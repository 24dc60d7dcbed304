// Package integrity gates a download on the checksum the package host
// advertises in response headers.
package integrity

import (
	"context"
	"net/http"
	"strings"

	"github.com/gooroom/viewer-installer/internal/httputil"
	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("integrity")

// Checker probes a URL with a HEAD request and compares its advertised
// checksum header against the expected SHA-256.
type Checker struct {
	client    *http.Client
	decorator httputil.Decorator
}

// New returns a Checker. A nil client uses http.DefaultClient.
func New(client *http.Client, referer string) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Checker{
		client:    client,
		decorator: httputil.Decorator{Referer: referer},
	}
}

// Verify reports whether url advertises expectedSHA256 in a header named
// "<label>Checksum". Transport errors, error statuses, an empty expected
// hash and a missing header all report false.
func (c *Checker) Verify(ctx context.Context, url, expectedSHA256 string) bool {
	if expectedSHA256 == "" {
		log.Warn("no expected checksum configured", "url", url)
		return false
	}

	req, err := httputil.NewRequest(ctx, http.MethodHead, url, c.decorator)
	if err != nil {
		log.Warn("failed to build probe request", "url", url, "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warn("integrity probe failed", "url", url, "error", err)
		return false
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		log.Warn("integrity probe rejected", "url", url, "status", resp.StatusCode)
		return false
	}

	if MatchChecksum(resp.Header, expectedSHA256) {
		log.Debug("checksum verified", "url", url)
		return true
	}
	log.Warn("checksum header missing or mismatched", "url", url)
	return false
}

// MatchChecksum scans h for a header whose name ends in "Checksum" and
// whose trimmed value equals expected exactly.
func MatchChecksum(h http.Header, expected string) bool {
	for name, values := range h {
		if !strings.HasSuffix(strings.ToLower(name), "checksum") {
			continue
		}
		for _, v := range values {
			if strings.TrimSpace(v) == expected {
				return true
			}
		}
	}
	return false
}
