package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gooroom/viewer-installer/internal/httputil"
	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("transfer")

// Error is returned for any failure after the request was attempted:
// transport errors, unexpected status codes and local write failures.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s failed: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds transfer engine configuration
type Config struct {
	Referer  string
	Username string
}

// Engine streams an artifact to a local file and reports percentage progress.
type Engine struct {
	client    *http.Client
	decorator httputil.Decorator
}

// New creates an Engine. A nil client uses http.DefaultClient.
func New(client *http.Client, cfg Config) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		client:    client,
		decorator: httputil.Decorator{Referer: cfg.Referer, Username: cfg.Username},
	}
}

// Download fetches url into dest, truncating any existing file. onProgress
// (may be nil) receives floor(received*100/total) each time the value
// changes; nothing is reported when the server omits Content-Length. On
// failure dest may be left partially written.
func (e *Engine) Download(ctx context.Context, url, dest string, onProgress func(int)) error {
	start := time.Now()

	req, err := httputil.NewRequest(ctx, http.MethodGet, url, e.decorator)
	if err != nil {
		return &Error{URL: url, Err: err}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &Error{URL: url, Err: fmt.Errorf("create staging file: %w", err)}
	}

	counter := NewCounter(resp.ContentLength, onProgress)
	written, copyErr := io.Copy(out, io.TeeReader(resp.Body, counter))
	closeErr := out.Close()

	if copyErr != nil {
		return &Error{URL: url, Err: copyErr}
	}
	if closeErr != nil {
		return &Error{URL: url, Err: fmt.Errorf("close staging file: %w", closeErr)}
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return &Error{URL: url, Err: io.ErrUnexpectedEOF}
	}

	log.Info("download complete",
		"url", url,
		"bytes", written,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return nil
}
