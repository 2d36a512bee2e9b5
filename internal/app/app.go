// Package app assembles the daemon: configuration, storage, auth, the
// live-update hub, and the supervised background tasks.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"familycalendar/internal/appstate"
	"familycalendar/internal/auth"
	"familycalendar/internal/config"
	"familycalendar/internal/hub"
	"familycalendar/internal/maint"
	"familycalendar/internal/perm"
	"familycalendar/internal/store"
	"familycalendar/internal/supervisor"
	"familycalendar/internal/web"
	"familycalendar/pkg/logx"
	"familycalendar/pkg/systemd"
)

type App struct {
	state     *appstate.State
	cfg       *config.Config
	logCloser io.Closer
}

// New loads the config and builds every shared component. Nothing is
// running yet when New returns; Start launches the background tasks.
func New(ctx context.Context, cfgPath string) (*App, error) {
	// Bootstrap logger for the window before the log config is known.
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.LoadOrInit()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logs.Level,
		Console: true,
		Dir:     cfg.Logs.Dir,
		KeepFor: cfg.Logs.KeepFor.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.Path, log)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	backend, err := perm.FromConfig(cfg.Permissions.Backend, st)
	if err != nil {
		_ = st.Close()
		_ = logCloser.Close()
		return nil, err
	}

	state := &appstate.State{
		Config:   cfgm,
		Store:    st,
		Perms:    perm.NewManager(backend),
		Auth: auth.New(st, auth.Config{
			JWTSecret:          cfg.Auth.JWTSecret,
			JWTExpiry:          cfg.Auth.JWTExpiry.Std(),
			RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
		}, log),
		Hub:      hub.New(),
		Registry: hub.NewRegistry(),
		Tasks:    supervisor.New(ctx, log),
		Log:      log,
	}

	return &App{state: state, cfg: cfg, logCloser: logCloser}, nil
}

// State exposes the shared singletons, mostly for tests.
func (a *App) State() *appstate.State { return a.state }

// Start launches the background tasks: the web server, the config
// watcher, the maintenance schedule, and the systemd watchdog. An
// initial log sweep runs once as a temporary task so stale files from
// old runs disappear without waiting for the daily schedule.
func (a *App) Start() {
	s := a.state

	s.Tasks.SpawnTemporary(func(ctx context.Context) error {
		_, err := logx.CleanupOldLogs(s.Log, a.cfg.Logs.Dir, a.cfg.Logs.KeepFor.Std())
		return err
	})

	srv := web.NewServer(web.Deps{
		Cfg:      a.cfg,
		Auth:     s.Auth,
		Hub:      s.Hub,
		Registry: s.Registry,
		Log:      s.Log,
	})
	mnt := maint.New(s.Tasks, s.Log, maint.Options{
		LogDir:  a.cfg.Logs.Dir,
		KeepFor: a.cfg.Logs.KeepFor.Std(),
	})

	n := s.Tasks.SpawnLongLived(
		srv.Task(),
		s.Config.Watch,
		mnt.Task(),
		systemd.WatchdogTask(s.Log),
	)
	s.Log.Info().Int("tasks", n).Msg("background tasks started")
}

// Run supervises the started tasks until the first exit or until ctx
// is cancelled, then tears everything down. The returned error is nil
// only for a clean, signal-driven shutdown.
func (a *App) Run(ctx context.Context) error {
	s := a.state

	systemd.NotifyReady(s.Log)
	report := s.Tasks.Supervise(ctx)
	systemd.NotifyStopping(s.Log)

	defer func() {
		if err := s.Store.Close(); err != nil {
			s.Log.Warn().Err(err).Msg("closing database")
		}
		_ = a.logCloser.Close()
	}()

	if report == nil {
		return fmt.Errorf("nothing to supervise")
	}
	if report.Index == -1 {
		s.Log.Info().Msg("shutdown complete")
		return nil
	}

	switch report.Cause {
	case supervisor.CausePanic:
		return fmt.Errorf("background task panicked: %w", report.Err)
	case supervisor.CauseError:
		return fmt.Errorf("background task failed: %w", report.Err)
	default:
		return fmt.Errorf("background task exited unexpectedly")
	}
}
