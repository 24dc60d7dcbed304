// Package viewmodel owns the download/verify/install state machine for the
// viewer package. All state lives behind one mutex; workers report back
// through model methods and every mutation is published to subscribers
// from inside the same critical section.
package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gooroom/viewer-installer/internal/audit"
	"github.com/gooroom/viewer-installer/internal/installer"
	"github.com/gooroom/viewer-installer/internal/logging"
	"github.com/gooroom/viewer-installer/internal/metadata"
	"github.com/gooroom/viewer-installer/internal/netmon"
)

var log = logging.L("viewmodel")

// Messages recorded as the model error string.
const (
	MsgInvalidFile      = "File is not valid"
	MsgNetworkInactive  = "Network is not active"
	MsgConfigUnreadable = "error, json"
)

var (
	ErrConfig             = errors.New("package metadata unavailable")
	ErrBusy               = errors.New("operation not allowed in current state")
	ErrNetworkUnavailable = errors.New("network is not available")
	ErrClosed             = errors.New("model is closed")
)

// Verifier gates the transfer on the remote checksum header.
type Verifier interface {
	Verify(ctx context.Context, url, expectedSHA256 string) bool
}

// Downloader streams url into dest, reporting whole percentages.
type Downloader interface {
	Download(ctx context.Context, url, dest string, onProgress func(int)) error
}

// Installer runs the privileged install script.
type Installer interface {
	Install(ctx context.Context, filePath string, deps []string) (installer.Result, error)
}

// Recorder receives an audit entry for each attempt step.
type Recorder interface {
	Record(event, attemptID string, details map[string]any)
}

type discardRecorder struct{}

func (discardRecorder) Record(string, string, map[string]any) {}

// Options wires the model. Verifier, Downloader, Installer and Network
// are required.
type Options struct {
	MetadataPath string
	StagingDir   string
	InstallURL   string

	Verifier   Verifier
	Downloader Downloader
	Installer  Installer
	Network    netmon.Observer

	// Recorder is optional.
	Recorder Recorder

	// LoadMetadata defaults to metadata.Load.
	LoadMetadata func(path string) (metadata.PackageInfo, error)
}

// Snapshot is a consistent copy of the observable state.
type Snapshot struct {
	Status       Status   `json:"status"`
	Progress     int      `json:"progress"`
	Error        string   `json:"error,omitempty"`
	Package      string   `json:"package,omitempty"`
	FileName     string   `json:"fileName,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type installState struct {
	status    Status
	progress  int
	lastError string
	validated bool
}

// Model is safe for concurrent use. Callers never block on a worker
// except in Close.
type Model struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    installState
	info     metadata.PackageInfo
	loadErr  error
	closed   bool
	attempt  *attempt
	download *Task
	install  *Task
	subs     map[int]*subscriber
	nextSub  int

	closeOnce sync.Once
}

// New loads the package metadata and starts draining the network observer.
// A metadata failure is kept in LoadErr and retried on the next Download.
func New(opts Options) *Model {
	if opts.LoadMetadata == nil {
		opts.LoadMetadata = metadata.Load
	}
	if opts.Network == nil {
		opts.Network = netmon.Static(true)
	}
	if opts.Recorder == nil {
		opts.Recorder = discardRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]*subscriber),
	}

	m.mu.Lock()
	m.loadLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.drainNetwork()

	return m
}

func (m *Model) loadLocked() {
	info, err := m.opts.LoadMetadata(m.opts.MetadataPath)
	if err != nil {
		log.Error("package metadata unusable", "path", m.opts.MetadataPath, logging.KeyError, err)
		m.info = metadata.PackageInfo{}
		m.loadErr = err
		m.state.lastError = MsgConfigUnreadable
		return
	}
	if m.loadErr != nil {
		m.state.lastError = ""
	}
	m.info = info
	m.loadErr = nil
	log.Debug("package metadata loaded", "package", info.Name, "file", info.FileName, "deps", len(info.Dependencies))
}

// Download verifies and fetches the artifact on a background worker.
func (m *Model) Download() (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	switch m.state.status {
	case StatusNormal, StatusError, StatusCancel, StatusInstalled:
	default:
		return nil, fmt.Errorf("download from %s: %w", m.state.status, ErrBusy)
	}
	// A worker aborted by network loss may still be unwinding.
	if m.download.running() || m.install.running() {
		return nil, fmt.Errorf("previous attempt still running: %w", ErrBusy)
	}

	if m.loadErr != nil {
		m.loadLocked()
		if m.loadErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, m.loadErr)
		}
	}

	if !m.opts.Network.Available() {
		m.failLocked(MsgNetworkInactive)
		return nil, ErrNetworkUnavailable
	}

	m.state.validated = false
	m.state.lastError = ""
	m.setProgressLocked(0)
	m.setStatusLocked(StatusDownloading)

	a := newAttempt(TaskDownload)
	m.attempt = a
	info := m.info
	m.download = m.spawnLocked(m.ctx, TaskDownload, a, func(ctx context.Context) {
		m.runDownload(ctx, a, info)
	})
	return m.download, nil
}

// Install runs the install script against the staged artifact.
func (m *Model) Install() (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.state.status != StatusDownloaded {
		return nil, fmt.Errorf("install from %s: %w", m.state.status, ErrBusy)
	}

	m.setStatusLocked(StatusInstalling)

	a := newAttempt(TaskInstall)
	m.attempt = a
	info := m.info
	// The privileged script is not killed on Close; Close waits for it.
	ctx := context.WithoutCancel(m.ctx)
	m.install = m.spawnLocked(ctx, TaskInstall, a, func(ctx context.Context) {
		m.runInstall(ctx, a, info)
	})
	return m.install, nil
}

// Decline records that the user does not want the viewer, discarding any
// staged artifact.
func (m *Model) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	switch m.state.status {
	case StatusNormal, StatusDownloaded:
	default:
		return fmt.Errorf("decline from %s: %w", m.state.status, ErrBusy)
	}
	m.removeStagedLocked()
	m.setStatusLocked(StatusCancel)
	m.opts.Recorder.Record(audit.EventDeclined, "", map[string]any{"package": m.info.Name})
	return nil
}

// Close stops accepting work, cancels running downloads and waits for
// every worker and the network drainer before closing subscriber channels.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.state.status != StatusInstalling {
			m.attempt.abort()
		}
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		for id, s := range m.subs {
			s.stop()
			delete(m.subs, id)
		}
		m.mu.Unlock()
	})
	return nil
}

// Subscribe returns a channel that first yields the current state and then
// every change in order. The returned func unsubscribes; the channel is
// closed after it is called or after Close.
func (m *Model) Subscribe() (<-chan Event, func()) {
	s := newSubscriber()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	s.push(m.eventLocked(EventSnapshot))
	id := m.nextSub
	m.nextSub++
	m.subs[id] = s
	m.mu.Unlock()

	return s.out, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		s.stop()
	}
}

func (m *Model) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.status
}

func (m *Model) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.progress
}

// Error returns the last recorded error message, or "" if there is none.
func (m *Model) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lastError
}

// Package returns the display name of the managed package.
func (m *Model) Package() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Name
}

func (m *Model) FileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.FileName
}

func (m *Model) Dependencies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.info.Dependencies...)
}

// LoadErr returns the metadata load failure, if any.
func (m *Model) LoadErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}

func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:       m.state.status,
		Progress:     m.state.progress,
		Error:        m.state.lastError,
		Package:      m.info.Name,
		FileName:     m.info.FileName,
		Dependencies: append([]string(nil), m.info.Dependencies...),
	}
}

func (m *Model) spawnLocked(ctx context.Context, kind TaskKind, a *attempt, fn func(context.Context)) *Task {
	t := newTask(kind)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("worker panicked", "panic", r, "stack", string(debug.Stack()))
				m.mu.Lock()
				if m.state.status.IsActive() {
					m.failLocked(fmt.Sprintf("internal error: %v", r))
				}
				m.mu.Unlock()
			}
		}()
		fn(logging.NewContext(ctx, a.log))
	}()
	return t
}

func (m *Model) runDownload(ctx context.Context, a *attempt, info metadata.PackageInfo) {
	dest := filepath.Join(m.opts.StagingDir, info.FileName)
	src := artifactURL(m.opts.InstallURL, info.FileName)
	a.log.Info("download started", "url", src, "dest", dest)
	m.opts.Recorder.Record(audit.EventDownloadStarted, a.id, map[string]any{"url": src, "dest": dest})
	defer m.recordOutcome(audit.EventDownloadFinished, a)

	// A leftover from an earlier aborted attempt is discarded here.
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("could not remove stale staged file", "path", dest, logging.KeyError, err)
	}

	if m.aborted(ctx, a, "pre-probe") {
		return
	}
	ok := m.opts.Verifier.Verify(ctx, src, info.SHA256)
	if m.aborted(ctx, a, "post-probe") {
		return
	}
	if !m.validate(a, ok) {
		a.log.Warn("integrity check failed", "url", src)
		m.failFrom(a, StatusDownloading, MsgInvalidFile)
		return
	}

	if m.aborted(ctx, a, "pre-transfer") {
		return
	}
	err := m.opts.Downloader.Download(ctx, src, dest, func(p int) {
		m.reportProgress(a, p)
	})
	if m.aborted(ctx, a, "post-transfer") {
		removeFile(a, dest)
		return
	}
	if err != nil {
		a.log.Error("download failed", logging.KeyError, err)
		m.failFrom(a, StatusDownloading, err.Error())
		return
	}

	if !m.transition(a, StatusDownloading, StatusDownloaded) {
		removeFile(a, dest)
		return
	}
	a.log.Info("download finished", "path", dest)
}

func (m *Model) runInstall(ctx context.Context, a *attempt, info metadata.PackageInfo) {
	staged := filepath.Join(m.opts.StagingDir, info.FileName)
	a.log.Info("install started", "path", staged, "deps", info.Dependencies)
	m.opts.Recorder.Record(audit.EventInstallStarted, a.id, map[string]any{"path": staged, "deps": info.Dependencies})
	defer m.recordOutcome(audit.EventInstallFinished, a)

	res, err := m.opts.Installer.Install(ctx, staged, info.Dependencies)
	if err != nil {
		a.log.Error("install failed", logging.KeyError, err)
		m.failFrom(a, StatusInstalling, err.Error())
	} else if m.transition(a, StatusInstalling, StatusInstalled) {
		a.log.Info("install finished", "exitCode", res.ExitCode, logging.KeyDurationMs, res.Duration.Milliseconds())
	}

	removeFile(a, staged)
}

func (m *Model) recordOutcome(event string, a *attempt) {
	snap := m.Snapshot()
	details := map[string]any{"status": snap.Status.String(), "aborted": a.isAborted()}
	if snap.Error != "" {
		details["error"] = snap.Error
	}
	m.opts.Recorder.Record(event, a.id, details)
}

// validate records the probe result for the current attempt and reports
// whether the transfer may start. The transfer runs only while validated
// is set for this attempt.
func (m *Model) validate(a *attempt, ok bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a || a.isAborted() || m.state.status != StatusDownloading {
		return false
	}
	m.state.validated = ok
	return m.state.validated
}

// aborted reports whether a worker should stop at this checkpoint.
func (m *Model) aborted(ctx context.Context, a *attempt, checkpoint string) bool {
	if a.isAborted() || ctx.Err() != nil {
		a.log.Info("attempt aborted", "checkpoint", checkpoint)
		return true
	}
	return false
}

func (m *Model) reportProgress(a *attempt, p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.isAborted() || m.attempt != a || m.state.status != StatusDownloading {
		return
	}
	m.setProgressLocked(p)
}

// transition moves from one status to another only if the model is still
// in from and the attempt is still current.
func (m *Model) transition(a *attempt, from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a || a.isAborted() || m.state.status != from {
		return false
	}
	m.setStatusLocked(to)
	return true
}

func (m *Model) failFrom(a *attempt, from Status, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != a || a.isAborted() || m.state.status != from {
		return
	}
	m.failLocked(msg)
}

func (m *Model) drainNetwork() {
	defer m.wg.Done()
	changes := m.opts.Network.Changes()
	for {
		select {
		case <-m.ctx.Done():
			return
		case up, ok := <-changes:
			if !ok {
				return
			}
			if !up {
				m.networkLost()
			}
		}
	}
}

func (m *Model) networkLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state.status >= StatusInstalling {
		return
	}
	log.Warn("network lost", "status", m.state.status)
	attemptID := ""
	if m.attempt != nil && m.state.status == StatusDownloading {
		attemptID = m.attempt.id
	}
	m.opts.Recorder.Record(audit.EventNetworkLost, attemptID, map[string]any{"status": m.state.status.String()})
	m.attempt.abort()
	m.removeStagedLocked()
	m.failLocked(MsgNetworkInactive)
}

func (m *Model) removeStagedLocked() {
	if m.info.FileName == "" {
		return
	}
	path := filepath.Join(m.opts.StagingDir, m.info.FileName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove staged file", "path", path, logging.KeyError, err)
	}
}

func (m *Model) failLocked(msg string) {
	changed := m.state.lastError != msg
	m.state.lastError = msg
	if m.state.status == StatusError {
		if changed {
			m.publishLocked(EventStatus)
		}
		return
	}
	m.setStatusLocked(StatusError)
}

func (m *Model) setStatusLocked(s Status) {
	if m.state.status == s {
		return
	}
	log.Debug("status changed", "from", m.state.status, "to", s)
	m.state.status = s
	m.publishLocked(EventStatus)
}

func (m *Model) setProgressLocked(p int) {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	if m.state.progress == p {
		return
	}
	m.state.progress = p
	m.publishLocked(EventProgress)
}

func (m *Model) eventLocked(kind EventKind) Event {
	return Event{
		Kind:     kind,
		Status:   m.state.status,
		Progress: m.state.progress,
		Error:    m.state.lastError,
	}
}

func (m *Model) publishLocked(kind EventKind) {
	e := m.eventLocked(kind)
	for _, s := range m.subs {
		s.push(e)
	}
}

func artifactURL(base, fileName string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(fileName)
}

func removeFile(a *attempt, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("could not remove staged file", "path", path, logging.KeyError, err)
	}
}
