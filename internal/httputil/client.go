package httputil

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("httputil")

// ErrHostKeyMismatch is returned by the TLS handshake when the server's
// public key does not match the configured pin.
var ErrHostKeyMismatch = errors.New("server public key does not match pinned MD5")

// ClientOptions controls how NewClient builds its transport.
type ClientOptions struct {
	// Timeout is the total request timeout. Zero leaves the transport defaults.
	Timeout time.Duration
	// HostKeyMD5 pins the hex MD5 of the leaf certificate's
	// SubjectPublicKeyInfo. Applies to TLS connections only.
	HostKeyMD5 string
	// TLSConfig is cloned and used as the base TLS configuration.
	TLSConfig *tls.Config
}

// NewClient returns an HTTP client configured from opts. It never retries.
func NewClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	var tlsCfg *tls.Config
	if opts.TLSConfig != nil {
		tlsCfg = opts.TLSConfig.Clone()
	} else {
		tlsCfg = &tls.Config{}
	}
	if pin := normalizePin(opts.HostKeyMD5); pin != "" {
		tlsCfg.VerifyPeerCertificate = pinVerifier(pin)
	}
	transport.TLSClientConfig = tlsCfg

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
}

// PublicKeyMD5 returns the hex MD5 of the certificate's SubjectPublicKeyInfo.
func PublicKeyMD5(cert *x509.Certificate) string {
	sum := md5.Sum(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

func pinVerifier(pin string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrHostKeyMismatch
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse server certificate: %w", err)
		}
		if got := PublicKeyMD5(leaf); got != pin {
			log.Warn("host key pin mismatch", "expected", pin, "actual", got)
			return ErrHostKeyMismatch
		}
		return nil
	}
}

// normalizePin accepts "ab:cd:..." or plain hex in any case.
func normalizePin(pin string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(pin), ":", ""))
}

// Decorator adds the fixed headers every request to the package host carries.
type Decorator struct {
	Referer  string
	Username string
}

// NewRequest builds a request with the decorator's headers applied.
func NewRequest(ctx context.Context, method, url string, d Decorator) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	d.Apply(req)
	return req, nil
}

// Apply sets the Referer header and, when a username is configured, basic
// auth with an empty password.
func (d Decorator) Apply(req *http.Request) {
	if d.Referer != "" {
		req.Header.Set("Referer", d.Referer)
	}
	if d.Username != "" {
		req.SetBasicAuth(d.Username, "")
	}
}
