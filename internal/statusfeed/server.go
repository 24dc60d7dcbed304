// Package statusfeed exposes the installer model to a presentation layer.
// Clients read the current state from /status, trigger actions with
// POST /actions/{action}, or hold a WebSocket on /ws that streams every
// model event and accepts the same actions as JSON messages.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gooroom/viewer-installer/internal/health"
	"github.com/gooroom/viewer-installer/internal/logging"
	"github.com/gooroom/viewer-installer/internal/viewmodel"
)

var log = logging.L("statusfeed")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	shutdownWait   = 5 * time.Second
)

// Action names accepted over HTTP and WebSocket.
const (
	ActionDownload = "download"
	ActionInstall  = "install"
	ActionDecline  = "decline"
)

// Source is the part of the model the feed needs.
type Source interface {
	Snapshot() viewmodel.Snapshot
	Subscribe() (<-chan viewmodel.Event, func())
	Download() (*viewmodel.Task, error)
	Install() (*viewmodel.Task, error)
	Decline() error
}

// Action is a client request received on the WebSocket.
type Action struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ActionResult answers an Action. Status is "ok" or "error".
type ActionResult struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Message is a server-to-client WebSocket frame.
type Message struct {
	Type   string           `json:"type"`
	Event  *viewmodel.Event `json:"event,omitempty"`
	Result *ActionResult    `json:"result,omitempty"`
}

var errUnknownAction = errors.New("unknown action")

type Server struct {
	src      Source
	health   *health.Monitor
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithHealth serves the monitor's report on GET /healthz.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

func New(src Source, opts ...Option) *Server {
	s := &Server{
		src: src,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /actions/{action}", s.handleAction)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	for _, opt := range opts {
		opt(s)
	}
	if s.health != nil {
		s.mux.HandleFunc("GET /healthz", s.handleHealth)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusfeed listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("status feed listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("status feed shutdown", logging.KeyError, err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.health.Evaluate()
	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if code, err := checkActionRequest(r); err != nil {
		log.Warn("action refused", "action", action, "origin", r.Header.Get("Origin"), logging.KeyError, err)
		writeJSON(w, code, ActionResult{Action: action, Status: "error", Error: err.Error()})
		return
	}
	if err := s.dispatch(action); err != nil {
		writeJSON(w, statusCode(err), ActionResult{Action: action, Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.src.Snapshot())
}

// checkActionRequest rejects requests a browser could send from another
// site: a JSON content type forces a CORS preflight, and any Origin must
// match the host being served.
func checkActionRequest(r *http.Request) (int, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return http.StatusUnsupportedMediaType, errors.New("content type must be application/json")
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		u, err := url.Parse(origin)
		if err != nil || !strings.EqualFold(u.Host, r.Host) {
			return http.StatusForbidden, fmt.Errorf("origin %q not allowed", origin)
		}
	}
	return 0, nil
}

func (s *Server) dispatch(action string) error {
	var err error
	switch action {
	case ActionDownload:
		_, err = s.src.Download()
	case ActionInstall:
		_, err = s.src.Install()
	case ActionDecline:
		err = s.src.Decline()
	default:
		return fmt.Errorf("%w %q", errUnknownAction, action)
	}
	if err != nil {
		log.Info("action rejected", "action", action, logging.KeyError, err)
	}
	return err
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, viewmodel.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, viewmodel.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, viewmodel.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response", logging.KeyError, err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	log.Info("feed client connected", "remote", r.RemoteAddr)

	events, unsubscribe := s.src.Subscribe()
	defer unsubscribe()

	results := make(chan ActionResult, 16)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, events, results, readerDone)
	}()

	readPump(conn, s, results, writerDone)
	close(readerDone)
	<-writerDone
	log.Info("feed client disconnected", "remote", r.RemoteAddr)
}

func readPump(conn *websocket.Conn, s *Server, results chan<- ActionResult, writerDone <-chan struct{}) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var act Action
		if err := json.Unmarshal(message, &act); err != nil {
			log.Warn("failed to parse action", logging.KeyError, err)
			continue
		}

		res := ActionResult{ID: act.ID, Action: act.Type, Status: "ok"}
		if err := s.dispatch(act.Type); err != nil {
			res.Status = "error"
			res.Error = err.Error()
		}

		select {
		case results <- res:
		case <-writerDone:
			return
		}
	}
}

// writePump owns all writes on conn. It returns when the event stream
// closes, the reader is gone or a write fails, closing conn so the reader
// unblocks.
func writePump(conn *websocket.Conn, events <-chan viewmodel.Event, results <-chan ActionResult, readerDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		var msg Message
		select {
		case <-readerDone:
			return

		case e, ok := <-events:
			if !ok {
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "installer shutting down"),
					time.Now().Add(writeWait),
				)
				return
			}
			msg = Message{Type: "event", Event: &e}

		case res := <-results:
			msg = Message{Type: "result", Result: &res}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn("write error", logging.KeyError, err)
			return
		}
	}
}
