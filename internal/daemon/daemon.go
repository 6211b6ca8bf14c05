package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tablesync/internal/config"
	"github.com/harun/tablesync/internal/logger"
	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/internal/tracing"
	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/gateway"
	"github.com/harun/tablesync/pkg/persistence"
	"github.com/harun/tablesync/pkg/session"
	"github.com/harun/tablesync/pkg/synchronizer"
	"github.com/harun/tablesync/pkg/transfer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const serviceName = "tablesync"

// Option customizes a Daemon.
type Option func(*Daemon)

// WithConfigPath enables hot reload of the log level from the given file.
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithVersion sets the version reported by the gateway.
func WithVersion(version string) Option {
	return func(d *Daemon) {
		d.version = version
	}
}

// Daemon wires the store, the session loop and the gateway together.
type Daemon struct {
	config     *config.Config
	log        *logger.Logger
	logger     zerolog.Logger
	configPath string
	version    string

	store     persistence.Store
	writer    *persistence.Writer
	registry  *session.Registry
	router    *broadcast.Router
	loop      *synchronizer.Synchronizer
	gateway   *gateway.Server
	scheduler *cron.Cron
	watcher   *config.Watcher
	lifecycle *LifecycleManager
	eventLoop *EventLoop

	restored int

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	loopDone  chan struct{}
	cancel    context.CancelFunc
}

// Status describes a running daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
	Restored  int
}

// New builds a daemon from cfg. Snapshots are loaded from the store before
// it returns, so the first client sees persisted state.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config:  cfg,
		log:     log,
		logger:  log.Component("daemon"),
		version: "dev",
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(serviceName, d.version); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := d.initStorage(); err != nil {
		return nil, err
	}
	if err := d.initSession(); err != nil {
		_ = d.store.Close()
		return nil, err
	}
	if err := d.initGateway(); err != nil {
		_ = d.store.Close()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	d.eventLoop = NewEventLoop(d)

	return d, nil
}

func (d *Daemon) initStorage() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := persistence.Open(ctx, persistence.StoreConfig{
		Driver: d.config.Storage.Driver,
		Path:   d.config.Storage.Path,
		DSN:    d.config.Storage.DSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store

	writer, err := persistence.NewWriter(persistence.Config{
		Store:              store,
		Logger:             d.log.Component("persistence"),
		MaxAttempts:        d.config.Persistence.MaxAttempts,
		RetryBackoff:       d.config.Persistence.RetryBackoff(),
		DeadLetterCapacity: d.config.Persistence.DeadLetterCapacity,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create writer: %w", err)
	}
	d.writer = writer

	d.registry = session.NewRegistry()
	restored, err := writer.LoadInto(ctx, d.registry)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	d.restored = restored

	d.logger.Info().
		Str("driver", d.config.Storage.Driver).
		Int("restored", restored).
		Msg("Sessions loaded")
	return nil
}

func (d *Daemon) initSession() error {
	d.router = broadcast.NewRouter(d.log.Component("broadcast"))

	s, err := synchronizer.New(synchronizer.Config{
		Registry:  d.registry,
		Router:    d.router,
		Persister: d.writer,
		Logger:    d.log.Component("synchronizer"),
		TransferLimits: transfer.Limits{
			MaxChunks:     d.config.Transfer.MaxChunks,
			MaxChunkBytes: d.config.Transfer.MaxChunkBytes,
			MaxImageBytes: d.config.Transfer.MaxImageBytes,
			Timeout:       d.config.Transfer.Timeout(),
		},
		HistoryLimit: d.config.Dice.HistoryLimit,
		InboxSize:    d.config.Synchronizer.InboxSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create synchronizer: %w", err)
	}
	d.loop = s

	if schedule := d.config.Persistence.CheckpointSchedule; schedule != "" {
		d.scheduler = cron.New()
		if _, err := d.scheduler.AddFunc(schedule, d.checkpoint); err != nil {
			return fmt.Errorf("invalid checkpoint schedule: %w", err)
		}
	}

	return nil
}

func (d *Daemon) initGateway() error {
	gw, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		WSPath:       d.config.Gateway.WSPath,
		SendBuffer:   d.config.Gateway.SendBuffer,
		ReadLimit:    d.config.Gateway.ReadLimitBytes,
		WriteTimeout: d.config.Gateway.WriteTimeout(),
		Version:      d.version,
		Submitter:    d.loop,
		Logger:       d.log.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gateway = gw

	if d.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnChange: d.applyConfig,
			Logger:   d.log.Component("config"),
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// checkpoint persists every session on the cron schedule.
func (d *Daemon) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.loop.Checkpoint(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Checkpoint skipped")
	}
}

// applyConfig handles a reloaded config file. Only the log level can change
// while running; everything else needs a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	if err := d.log.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring reloaded log level")
		return
	}
	d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
}

// Start runs the session loop and begins accepting connections.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	ctx, cancel := context.WithCancel(tracing.WithTraceID(context.Background(), traceID))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		d.loop.Run(ctx)
	}()
	go d.eventLoop.Run(ctx)

	if err := d.gateway.Start(); err != nil {
		cancel()
		<-loopDone
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if d.scheduler != nil {
		d.scheduler.Start()
		logger.Info().Str("schedule", d.config.Persistence.CheckpointSchedule).Msg("Checkpoint schedule enabled")
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
			d.watcher = nil
		}
	}

	d.mu.Lock()
	d.cancel = cancel
	d.loopDone = loopDone
	d.mu.Unlock()

	logger.Info().Str("addr", d.gateway.Addr()).Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the daemon down. Clients are disconnected while the loop still
// runs, then every session is written before the store closes.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	cancel := d.cancel
	loopDone := d.loopDone
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	var errs []error

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
	}

	if err := d.gateway.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway")
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}

	if err := d.loop.Flush(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to flush sessions")
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("session loop: %w", ctx.Err()))
	}

	// closes the store too
	if err := d.writer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("writer: %w", err))
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Restored: d.restored,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait(timeout time.Duration) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(ctx)
}

// Addr returns the gateway listen address once started.
func (d *Daemon) Addr() string {
	return d.gateway.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
