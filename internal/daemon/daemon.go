package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/signoff/internal/app"
	"github.com/msageha/signoff/internal/attachment"
	"github.com/msageha/signoff/internal/config"
	"github.com/msageha/signoff/internal/engine"
	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/identity"
	"github.com/msageha/signoff/internal/lock"
	slogger "github.com/msageha/signoff/internal/log"
	"github.com/msageha/signoff/internal/mcpserver"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/notify"
	"github.com/msageha/signoff/internal/store"
	"github.com/msageha/signoff/internal/store/sqlstore"
	"github.com/msageha/signoff/internal/store/yamlstore"
	"github.com/msageha/signoff/internal/uds"
)

// Daemon owns the store, the engine and every surface that reaches it.
type Daemon struct {
	dataDir string
	config  model.Config
	version string
	logger  *slog.Logger
	logFile io.Closer

	instance *lock.Instance
	server   *uds.Server

	store      store.Store
	engine     *engine.Engine
	bus        *events.Bus
	audit      *events.AuditLog
	detachSink func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon that logs to <dataDir>/logs/daemon.log.
func New(dataDir string, cfg model.Config, version string) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dataDir, cfg, version, logFile, logFile), nil
}

func newDaemon(dataDir string, cfg model.Config, version string, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := slogger.New(cfg.Logging.Level, w).With("component", "daemon")

	return &Daemon{
		dataDir: dataDir,
		config:  cfg,
		version: version,
		logger:  logger,
		logFile: closer,
		server:  uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a signal or a shutdown command stops it.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) start() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	instance, err := lock.AcquireInstance(filepath.Join(d.dataDir, "locks", "daemon.lock"))
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.instance = instance
	d.logger.Info("daemon starting", "pid", os.Getpid(), "version", d.version, "store", d.config.Store.Driver)

	if err := d.wire(); err != nil {
		d.cleanup()
		return err
	}

	d.registerHandlers()
	if err := d.server.Start(d.ctx); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("UDS server listening", "socket", filepath.Join(d.dataDir, uds.DefaultSocketName))

	if d.config.Server.HTTP.Enabled {
		if err := d.startHTTP(); err != nil {
			d.Shutdown()
			return err
		}
	}

	d.logger.Info("daemon ready")
	return nil
}

// wire builds the engine and its collaborators from config.
func (d *Daemon) wire() error {
	st, err := openStore(d.ctx, d.dataDir, d.config.Store, d.logger)
	if err != nil {
		return err
	}
	d.store = st

	var identities engine.IdentityResolver = identity.Static{}
	if path := d.config.Identity.DirectoryPath; path != "" {
		dir, err := identity.LoadDirectory(path, d.logger)
		if err != nil {
			return fmt.Errorf("load user directory: %w", err)
		}
		if err := dir.Watch(d.ctx); err != nil {
			d.logger.Warn("user directory hot reload disabled", "path", path, "error", err)
		}
		identities = dir
		d.logger.Info("user directory loaded", "path", path, "users", dir.Len())
	}

	var resolver attachment.Resolver
	if ac := d.config.Attachments; ac.BaseURL != "" {
		signed, err := attachment.NewSignedURLResolver(ac.BaseURL, ac.SigningKey, time.Duration(ac.URLTTLSec)*time.Second)
		if err != nil {
			return fmt.Errorf("attachment resolver: %w", err)
		}
		resolver = attachment.NewCachingResolver(signed, ac.CacheMaxEntries, time.Duration(ac.CacheTTLSec)*time.Second)
	}

	audit, err := events.OpenAuditLog(d.config.Audit.Path, events.AuditOptions{
		MaxBytes: d.config.Audit.MaxBytes,
		Checksum: d.config.Audit.Checksum,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit

	d.bus = events.NewBus(256, d.logger.With("component", "events"))
	var sinks []notify.Sink
	if url := d.config.Notify.WebhookURL; url != "" {
		sinks = append(sinks, notify.NewWebhook(url, time.Duration(d.config.Notify.TimeoutSec)*time.Second))
	}
	if d.config.Notify.Desktop {
		sinks = append(sinks, notify.NewDesktop())
	}
	if len(sinks) > 0 {
		d.detachSink = notify.Attach(d.bus, d.logger, time.Duration(d.config.Notify.TimeoutSec)*time.Second, sinks...)
	}

	d.engine = engine.New(st, engine.Options{
		Identities:            identities,
		Attachments:           resolver,
		Bus:                   d.bus,
		Audit:                 audit,
		Logger:                d.logger.With("component", "engine"),
		Policy:                d.config.Policy,
		Limits:                d.config.Limits,
		RequireKnownApprovers: d.config.Identity.RequireKnownApprovers && d.config.Identity.DirectoryPath != "",
	})
	return nil
}

func openStore(ctx context.Context, dataDir string, cfg model.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlstore.Open(ctx, sqlstore.Config{
			DSN:           cfg.DSN,
			WAL:           cfg.SQLite.WAL,
			BusyTimeoutMs: cfg.SQLite.BusyTimeoutMs,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.DriverYAML, "":
		st, err := yamlstore.New(dataDir, logger.With("component", "yamlstore"))
		if err != nil {
			return nil, fmt.Errorf("open yaml store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (d *Daemon) startHTTP() error {
	tools := mcpserver.New(d.engine, mcpserver.Options{
		Version:       d.version,
		RatePerMinute: d.config.Server.RatePerMinute,
		Logger:        d.logger.With("component", "mcp"),
	})
	a, err := app.New(d.ctx, d.config.Server, tools.Handler(d.config.Server.HTTP.Stateless), nil, d.logger.With("component", "http"))
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := a.Run(d.ctx); err != nil {
			d.logger.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// waitSignals blocks until a shutdown signal arrives or Shutdown runs.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case <-d.done:
		return
	}

	// a second signal forces exit
	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops accepting work, drains in-flight goroutines and releases resources.
// It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}

		timeout := d.config.Server.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 10
		}
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Info("all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warn("shutdown timeout, some operations may be incomplete", "timeout_sec", timeout)
		}

		d.cleanup()
		close(d.done)
	})
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) cleanup() {
	if d.detachSink != nil {
		d.detachSink()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warn("close audit log", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
	}
	_ = os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	if err := d.instance.Release(); err != nil {
		d.logger.Warn("release daemon lock", "error", err)
	}
	d.logger.Info("daemon stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
}
