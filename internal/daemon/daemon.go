package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"opendrama/internal/config"
	"opendrama/internal/generation"
	"opendrama/internal/logging"
	"opendrama/internal/preflight"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	components *Components
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool               `json:"running"`
	Reconciler   generation.Status  `json:"reconciler"`
	DatabasePath string             `json:"databasePath"`
	LockFilePath string             `json:"lockFilePath"`
	APIAddress   string             `json:"apiAddress,omitempty"`
	Preflight    []preflight.Result `json:"preflight,omitempty"`
}

// New constructs a daemon around wired components.
func New(cfg *config.Config, components *Components, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || components == nil || logger == nil {
		return nil, errors.New("daemon requires config, components, and logger")
	}
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		components: components,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg, components, logger)
	return d, nil
}

// Start acquires the daemon lock, then starts the reconciler and the API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another opendrama daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.components.Controller.Bind(runCtx)
	d.logPreflight(runCtx)

	if err := d.components.Reconciler.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start reconciler: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.components.Reconciler.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("opendrama daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.cfg.DatabasePath()),
		logging.String("api", d.api.address()),
	)
	return nil
}

// Stop halts background processing and releases the daemon lock. Detached
// submissions are cancelled; their segments stay reserved and are resumed on
// the next start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.cancel()
	d.cancel = nil
	d.api.stop()
	d.components.Reconciler.Stop()
	d.components.Controller.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("opendrama daemon stopped")
}

// Close stops the daemon and releases its components.
func (d *Daemon) Close() error {
	d.Stop()
	return d.components.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		Reconciler:   d.components.Reconciler.Status(ctx),
		DatabasePath: d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
	}
}

// Preflight runs every readiness check against the live components.
func (d *Daemon) Preflight(ctx context.Context) []preflight.Result {
	return preflight.RunAll(ctx, d.cfg, Services(d.components))
}

// Services exposes the pingable integrations of c to preflight.
func Services(c *Components) preflight.Services {
	var svc preflight.Services
	if pinger, ok := c.Gateway.(preflight.Pinger); ok {
		svc.Provider = pinger
	}
	if pinger, ok := c.Publisher.(preflight.Pinger); ok {
		svc.Events = pinger
	}
	return svc
}

func (d *Daemon) logPreflight(ctx context.Context) {
	for _, result := range d.Preflight(ctx) {
		if result.Passed {
			d.logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		impact := "dependent operations will fail"
		if result.Optional {
			impact = "optional integration disabled"
		}
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldImpact, impact),
			logging.String(logging.FieldErrorHint, "run 'opendrama preflight' for details"),
		)
	}
}
