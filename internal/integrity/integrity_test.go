package integrity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probeServer(t *testing.T, headers map[string]string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		if got := r.Header.Get("Referer"); got != "https://www.example.com/cs_center" {
			t.Errorf("Referer = %q", got)
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		status   int
		expected string
		want     bool
	}{
		{"matching header", map[string]string{"X-Checksum": "abc123"}, http.StatusOK, "abc123", true},
		{"mismatched header", map[string]string{"X-Checksum": "abc123"}, http.StatusOK, "abc124", false},
		{"no checksum header", map[string]string{"X-Other": "abc123"}, http.StatusOK, "abc123", false},
		{"labelled header with padding", map[string]string{"X-Sha256Checksum": "  abc123 "}, http.StatusOK, "abc123", true},
		{"value compare is case sensitive", map[string]string{"X-Checksum": "ABC123"}, http.StatusOK, "abc123", false},
		{"error status", map[string]string{"X-Checksum": "abc123"}, http.StatusNotFound, "abc123", false},
		{"empty expected hash", map[string]string{"X-Checksum": ""}, http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := probeServer(t, tt.headers, tt.status)
			c := New(server.Client(), "https://www.example.com/cs_center")
			if got := c.Verify(context.Background(), server.URL+"/viewer.bin", tt.expected); got != tt.want {
				t.Fatalf("Verify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyNetworkErrorIsNotVerified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(nil, "")
	if c.Verify(context.Background(), url+"/viewer.bin", "abc123") {
		t.Fatal("unreachable host must not verify")
	}
}

func TestMatchChecksum(t *testing.T) {
	h := http.Header{}
	h.Add("X-Checksum", "first")
	h.Add("X-Checksum", "second")
	if !MatchChecksum(h, "second") {
		t.Fatal("any value of a checksum header should match")
	}
	if MatchChecksum(http.Header{"Checksum-Type": {"abc"}}, "abc") {
		t.Fatal("header must end in Checksum")
	}
}
