package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/gooroom/viewer-installer/internal/audit"
	"github.com/gooroom/viewer-installer/internal/config"
	"github.com/gooroom/viewer-installer/internal/health"
	"github.com/gooroom/viewer-installer/internal/httputil"
	"github.com/gooroom/viewer-installer/internal/installer"
	"github.com/gooroom/viewer-installer/internal/integrity"
	"github.com/gooroom/viewer-installer/internal/logging"
	"github.com/gooroom/viewer-installer/internal/metadata"
	"github.com/gooroom/viewer-installer/internal/netmon"
	"github.com/gooroom/viewer-installer/internal/pkgcheck"
	"github.com/gooroom/viewer-installer/internal/privilege"
	"github.com/gooroom/viewer-installer/internal/statusfeed"
	"github.com/gooroom/viewer-installer/internal/transfer"
	"github.com/gooroom/viewer-installer/internal/viewmodel"
)

var log = logging.L("main")

var (
	success = color.New(color.FgGreen, color.Bold)
	failure = color.New(color.FgRed)
)

// fail prints a one-line error for the user on stderr.
func fail(format string, args ...any) {
	failure.Fprintf(os.Stderr, format+"\n", args...)
}

const (
	exitOK           = 0
	exitFailure      = 1
	exitNotInstalled = 2
)

// setup loads and validates the config and initializes logging. The
// returned func closes the log file, if any.
func setup() (*config.Config, func()) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitFailure)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		}
		os.Exit(exitFailure)
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.LogFile != "" {
		w, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, logging to stderr: %v\n", err)
		} else {
			out = w
			closeLog = func() { w.Close() }
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closeLog
}

// installerApp bundles the running pieces so commands can shut them down in
// order: model first, then the monitor it drains, then the audit trail.
type installerApp struct {
	model   *viewmodel.Model
	monitor *netmon.Monitor
	trail   *audit.Trail
}

func (a *installerApp) Close() {
	a.model.Close()
	a.monitor.Stop()
	if err := a.trail.Close(); err != nil {
		log.Warn("close audit trail", logging.KeyError, err)
	}
}

// buildApp wires the HTTP client, probe, transfer engine, installer,
// network monitor and audit trail into a model.
func buildApp(ctx context.Context, cfg *config.Config) (*installerApp, error) {
	tlsCfg, err := httputil.LoadTLSConfig(httputil.TLSFiles{
		CAFile:   cfg.TLSCAFile,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		return nil, err
	}
	client := httputil.NewClient(httputil.ClientOptions{
		Timeout:    time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		HostKeyMD5: cfg.HostKeyMD5,
		TLSConfig:  tlsCfg,
	})

	var trail *audit.Trail
	if cfg.AuditFile != "" {
		if trail, err = audit.Open(cfg.AuditFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups); err != nil {
			return nil, err
		}
	}

	monitor := netmon.New(netmon.InterfaceProbe, time.Duration(cfg.NetworkPollSeconds)*time.Second)
	monitor.Start(ctx)

	model := viewmodel.New(viewmodel.Options{
		MetadataPath: cfg.MetadataPath(),
		StagingDir:   cfg.StagingDir,
		InstallURL:   cfg.InstallURL,
		Verifier:     integrity.New(client, cfg.Referer),
		Downloader:   transfer.New(client, transfer.Config{Referer: cfg.Referer, Username: cfg.Username}),
		Installer:    installer.New(cfg.EscalationTool, cfg.ScriptPath()),
		Network:      monitor,
		Recorder:     trail,
	})
	return &installerApp{model: model, monitor: monitor, trail: trail}, nil
}

// healthMonitor registers a probe per component the serve command depends on.
func healthMonitor(cfg *config.Config, app *installerApp) *health.Monitor {
	hm := health.NewMonitor()
	hm.Register("metadata", func() (health.Status, string) {
		if err := app.model.LoadErr(); err != nil {
			return health.Unhealthy, err.Error()
		}
		return health.Healthy, ""
	})
	hm.Register("network", func() (health.Status, string) {
		if !app.monitor.Available() {
			return health.Degraded, viewmodel.MsgNetworkInactive
		}
		return health.Healthy, ""
	})
	hm.Register("privilege", func() (health.Status, string) {
		report := privilege.Preflight(cfg.StagingDir, cfg.EscalationTool)
		if report.StagingErr != nil {
			return health.Unhealthy, report.StagingErr.Error()
		}
		if report.EscalationError != nil {
			return health.Degraded, report.EscalationError.Error()
		}
		return health.Healthy, ""
	})
	if app.trail != nil {
		hm.Register("audit", func() (health.Status, string) {
			if n := app.trail.Dropped(); n > 0 {
				return health.Degraded, fmt.Sprintf("%d audit entries dropped", n)
			}
			return health.Healthy, ""
		})
	}
	return hm
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCheck(out io.Writer) int {
	cfg, closeLog := setup()
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	installed, err := pkgcheck.New().Installed(ctx, cfg.ViewerPackage)
	if err != nil {
		fail("Package check failed: %v", err)
		return exitFailure
	}
	if installed {
		success.Fprintf(out, "%s is installed\n", cfg.ViewerPackage)
		return exitOK
	}

	fmt.Fprintf(out, "%s is not installed\n", cfg.ViewerPackage)
	info, err := metadata.Load(cfg.MetadataPath())
	if err != nil {
		fail("Package metadata: %v", err)
		return exitNotInstalled
	}
	printPackage(out, info)
	return exitNotInstalled
}

func printPackage(out io.Writer, info metadata.PackageInfo) {
	fmt.Fprintf(out, "Package:      %s\n", info.Name)
	fmt.Fprintf(out, "File:         %s\n", info.FileName)
	if info.SHA256 != "" {
		fmt.Fprintf(out, "SHA256:       %s\n", info.SHA256)
	}
	if len(info.Dependencies) > 0 {
		fmt.Fprintf(out, "Dependencies: %s\n", strings.Join(info.Dependencies, ", "))
	}
}

func preflight(cfg *config.Config) error {
	report := privilege.Preflight(cfg.StagingDir, cfg.EscalationTool)
	log.Debug("preflight", "root", report.Root, "staging", report.StagingDir, "escalation", report.EscalationPath)
	return report.Err()
}

func runDownload(out io.Writer) int {
	cfg, closeLog := setup()
	defer closeLog()

	if err := preflight(cfg); errors.Is(err, privilege.ErrStagingNotWritable) {
		fail("%v", err)
		return exitFailure
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		fail("%v", err)
		return exitFailure
	}
	defer app.Close()
	model := app.model

	if err := download(ctx, model, out); err != nil {
		fail("Download failed: %v", err)
		return exitFailure
	}
	success.Fprintf(out, "Downloaded %s to %s\n", model.FileName(), cfg.StagingPath(model.FileName()))
	return exitOK
}

func runInstall(in io.Reader, out io.Writer) int {
	cfg, closeLog := setup()
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	if installed, err := pkgcheck.New().Installed(ctx, cfg.ViewerPackage); err != nil {
		log.Warn("package check failed, continuing", logging.KeyError, err)
	} else if installed {
		success.Fprintf(out, "%s is already installed\n", cfg.ViewerPackage)
		return exitOK
	}

	if err := preflight(cfg); err != nil {
		fail("%v", err)
		return exitFailure
	}

	app, err := buildApp(ctx, cfg)
	if err != nil {
		fail("%v", err)
		return exitFailure
	}
	defer app.Close()
	model := app.model

	if err := download(ctx, model, out); err != nil {
		fail("Download failed: %v", err)
		return exitFailure
	}

	if !assumeYes && !confirm(in, out, fmt.Sprintf("Install %s now?", model.Package())) {
		if err := model.Decline(); err != nil {
			log.Warn("decline", logging.KeyError, err)
		}
		fmt.Fprintln(out, "Installation cancelled")
		return exitOK
	}

	task, err := model.Install()
	if err != nil {
		fail("Install failed: %v", err)
		return exitFailure
	}
	fmt.Fprintln(out, "Installing...")
	task.Wait()

	if model.Status() != viewmodel.StatusInstalled {
		fail("Install failed: %s", model.Error())
		return exitFailure
	}
	success.Fprintf(out, "%s installed\n", model.Package())
	return exitOK
}

// download runs one download attempt, printing progress, and returns once
// the model leaves the downloading state.
func download(ctx context.Context, model *viewmodel.Model, out io.Writer) error {
	events, unsubscribe := model.Subscribe()
	defer unsubscribe()

	task, err := model.Download()
	if err != nil {
		if errors.Is(err, viewmodel.ErrNetworkUnavailable) {
			return errors.New(model.Error())
		}
		return err
	}

	p := &progressPrinter{out: out}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return viewmodel.ErrClosed
			}
			if e.Kind == viewmodel.EventSnapshot {
				continue
			}
			p.print(e)
			switch e.Status {
			case viewmodel.StatusDownloaded:
				p.finish()
				task.Wait()
				return nil
			case viewmodel.StatusError:
				p.finish()
				return errors.New(e.Error)
			}
		}
	}
}

type progressPrinter struct {
	out  io.Writer
	last int
	open bool
}

func (p *progressPrinter) print(e viewmodel.Event) {
	if e.Kind != viewmodel.EventProgress || e.Progress == p.last {
		return
	}
	p.last = e.Progress
	p.open = true
	fmt.Fprintf(p.out, "\rDownloading... %3d%%", e.Progress)
}

func (p *progressPrinter) finish() {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func runServe() int {
	cfg, closeLog := setup()
	defer closeLog()

	if err := preflight(cfg); err != nil {
		log.Warn("preflight", logging.KeyError, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Error("startup failed", logging.KeyError, err)
		return exitFailure
	}
	defer app.Close()

	log.Info("starting viewer installer", "version", version, "package", app.model.Package(), "listen", cfg.FeedListen)
	feed := statusfeed.New(app.model, statusfeed.WithHealth(healthMonitor(cfg, app)))
	if err := feed.ListenAndServe(ctx, cfg.FeedListen); err != nil {
		log.Error("status feed stopped", logging.KeyError, err)
		return exitFailure
	}
	log.Info("shutting down")
	return exitOK
}
