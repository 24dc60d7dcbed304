package httputil

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTLSConfigEmpty(t *testing.T) {
	cfg, err := LoadTLSConfig(TLSFiles{})
	if err != nil || cfg != nil {
		t.Fatalf("LoadTLSConfig = %v, %v; want nil, nil", cfg, err)
	}
}

func TestLoadTLSConfigTrustsCABundle(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "mirror-ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, block, 0o644); err != nil {
		t.Fatal(err)
	}

	tlsCfg, err := LoadTLSConfig(TLSFiles{CAFile: caFile})
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	client := NewClient(ClientOptions{TLSConfig: tlsCfg})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request through CA bundle: %v", err)
	}
	resp.Body.Close()
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		files TLSFiles
	}{
		{"missing CA file", TLSFiles{CAFile: filepath.Join(dir, "absent.pem")}},
		{"CA without certificates", TLSFiles{CAFile: junk}},
		{"cert without key", TLSFiles{CertFile: junk}},
		{"unparseable key pair", TLSFiles{CertFile: junk, KeyFile: junk}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTLSConfig(tt.files); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
