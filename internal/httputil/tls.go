package httputil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSFiles names PEM files for talking to a private package mirror.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// LoadTLSConfig builds a TLS config from files. It returns nil when no file
// is set, so the system roots are used. A CA bundle is added to the system
// pool rather than replacing it.
func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	if files.CAFile == "" && files.CertFile == "" && files.KeyFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", files.CAFile)
		}
		cfg.RootCAs = pool
	}

	if (files.CertFile == "") != (files.KeyFile == "") {
		return nil, errors.New("client certificate and key must be set together")
	}
	if files.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
		log.Debug("client certificate loaded", "cert", files.CertFile)
	}
	return cfg, nil
}
