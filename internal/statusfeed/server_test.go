package statusfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gooroom/viewer-installer/internal/health"
	"github.com/gooroom/viewer-installer/internal/viewmodel"
)

type fakeSource struct {
	events chan viewmodel.Event

	mu          sync.Mutex
	calls       []string
	downloadErr error
	unsubbed    bool
}

func newFakeSource() *fakeSource {
	f := &fakeSource{events: make(chan viewmodel.Event, 8)}
	f.events <- viewmodel.Event{Kind: viewmodel.EventSnapshot, Status: viewmodel.StatusNormal}
	return f
}

func (f *fakeSource) Snapshot() viewmodel.Snapshot {
	return viewmodel.Snapshot{Status: viewmodel.StatusDownloaded, Progress: 100, Package: "viewer", FileName: "viewer.bin"}
}

func (f *fakeSource) Subscribe() (<-chan viewmodel.Event, func()) {
	return f.events, func() {
		f.mu.Lock()
		f.unsubbed = true
		f.mu.Unlock()
	}
}

func (f *fakeSource) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeSource) Download() (*viewmodel.Task, error) {
	f.record("download")
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.downloadErr
}

func (f *fakeSource) failDownload(err error) {
	f.mu.Lock()
	f.downloadErr = err
	f.mu.Unlock()
}

func (f *fakeSource) Install() (*viewmodel.Task, error) {
	f.record("install")
	return nil, nil
}

func (f *fakeSource) Decline() error {
	f.record("decline")
	return nil
}

func (f *fakeSource) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(newFakeSource()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["status"] != "downloaded" || snap["progress"] != float64(100) || snap["fileName"] != "viewer.bin" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestActionEndpoint(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()

	tests := []struct {
		action string
		err    error
		want   int
	}{
		{"download", nil, http.StatusAccepted},
		{"download", viewmodel.ErrBusy, http.StatusConflict},
		{"download", viewmodel.ErrNetworkUnavailable, http.StatusServiceUnavailable},
		{"download", fmt.Errorf("%w: bad json", viewmodel.ErrConfig), http.StatusInternalServerError},
		{"download", viewmodel.ErrClosed, http.StatusGone},
		{"install", nil, http.StatusAccepted},
		{"decline", nil, http.StatusAccepted},
		{"reboot", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		src.failDownload(tt.err)
		resp, err := http.Post(srv.URL+"/actions/"+tt.action, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s (err=%v): status = %d, want %d", tt.action, tt.err, resp.StatusCode, tt.want)
		}
	}

	if got := len(src.called()); got != 7 {
		t.Fatalf("source calls = %d, want 7", got)
	}
}

func TestActionEndpointRefusesCrossSiteRequests(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()

	tests := []struct {
		name        string
		contentType string
		origin      string
		want        int
	}{
		{"form post", "application/x-www-form-urlencoded", "", http.StatusUnsupportedMediaType},
		{"no content type", "", "", http.StatusUnsupportedMediaType},
		{"foreign origin", "application/json", "https://evil.example", http.StatusForbidden},
		{"same origin", "application/json; charset=utf-8", srv.URL, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/actions/install", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if got := len(src.called()); got != 1 {
		t.Fatalf("only the same-origin request should reach the model, calls = %d", got)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	srv := httptest.NewServer(New(newFakeSource()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketStreamsEvents(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()
	conn := dial(t, srv)

	first := readMessage(t, conn)
	if first.Type != "event" || first.Event == nil || first.Event.Kind != viewmodel.EventSnapshot {
		t.Fatalf("first message should be the snapshot, got %+v", first)
	}

	src.events <- viewmodel.Event{Kind: viewmodel.EventProgress, Status: viewmodel.StatusDownloading, Progress: 37}
	msg := readMessage(t, conn)
	if msg.Event == nil || msg.Event.Progress != 37 || msg.Event.Status != viewmodel.StatusDownloading {
		t.Fatalf("unexpected event %+v", msg.Event)
	}
}

func TestWebSocketActions(t *testing.T) {
	src := newFakeSource()
	src.failDownload(viewmodel.ErrBusy)
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()
	conn := dial(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(Action{ID: "a1", Type: "install"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "result" || msg.Result == nil {
		t.Fatalf("expected result, got %+v", msg)
	}
	if msg.Result.ID != "a1" || msg.Result.Status != "ok" {
		t.Fatalf("unexpected result %+v", msg.Result)
	}

	if err := conn.WriteJSON(Action{ID: "a2", Type: "download"}); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn)
	if msg.Result == nil || msg.Result.Status != "error" || !strings.Contains(msg.Result.Error, viewmodel.ErrBusy.Error()) {
		t.Fatalf("expected busy error, got %+v", msg.Result)
	}

	if got := src.called(); len(got) != 2 || got[0] != "install" || got[1] != "download" {
		t.Fatalf("calls = %v", got)
	}
}

func TestWebSocketClosesWhenModelCloses(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()
	conn := dial(t, srv)
	readMessage(t, conn)

	close(src.events)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		done := src.unsubbed
		src.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscription was not released")
}

func TestHealthEndpoint(t *testing.T) {
	hm := health.NewMonitor()
	var mu sync.Mutex
	status := health.Degraded
	hm.Register("network", func() (health.Status, string) {
		mu.Lock()
		defer mu.Unlock()
		return status, "Network is not active"
	})

	srv := httptest.NewServer(New(newFakeSource(), WithHealth(hm)).Handler())
	defer srv.Close()

	get := func() (int, health.Report) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var r health.Report
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, r
	}

	code, report := get()
	if code != http.StatusOK || report.Status != health.Degraded || len(report.Checks) != 1 {
		t.Fatalf("degraded: code=%d report=%+v", code, report)
	}

	mu.Lock()
	status = health.Unhealthy
	mu.Unlock()
	if code, _ := get(); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code = %d, want 503", code)
	}
}

func TestHealthEndpointAbsentWithoutMonitor(t *testing.T) {
	srv := httptest.NewServer(New(newFakeSource()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
