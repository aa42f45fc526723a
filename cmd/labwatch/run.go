package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/labwatch/labwatch/internal/broadcast"
	"github.com/labwatch/labwatch/internal/service"
	"github.com/labwatch/labwatch/internal/store"
	"github.com/labwatch/labwatch/internal/timetable"
)

// components is the wired-up service: persistence, live feed, worker
// supervision and calendar scheduling.
type components struct {
	store      *store.Store
	hub        *broadcast.Hub
	supervisor *service.Supervisor
	timetable  *timetable.Scheduler
}

func buildComponents() (*components, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	hub := broadcast.NewHub()
	supervisor := service.NewSupervisor(service.Config{
		Python:            cfg.Worker.Python,
		Script:            cfg.Worker.Script,
		CaptureRoot:       cfg.CaptureDir,
		StopGrace:         cfg.Worker.StopGrace,
		MinCaptureTimeout: cfg.Worker.CaptureTimeout,
	}, st, hub)

	loc, err := cfg.Location()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("resolving timezone: %w", err)
	}

	tt, err := timetable.New(st, supervisor, timetable.WithLocation(loc))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &components{
		store:      st,
		hub:        hub,
		supervisor: supervisor,
		timetable:  tt,
	}, nil
}

func (c *components) shutdown(ctx context.Context) {
	if err := c.timetable.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down calendar scheduler", "error", err)
	}
	c.supervisor.Shutdown(ctx)
	c.hub.Close()
	if err := c.store.Close(); err != nil {
		slog.ErrorContext(ctx, "closing store", "error", err)
	}
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.shutdown(ctx)

	if flagTimetable != "" {
		f, err := os.Open(flagTimetable)
		if err != nil {
			return fmt.Errorf("opening timetable: %w", err)
		}
		created, err := c.timetable.Sync(ctx, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("syncing timetable: %w", err)
		}
		slog.InfoContext(ctx, "timetable synced", "sessions", created)
	} else {
		installed, err := c.timetable.Reinstall(ctx)
		if err != nil {
			return fmt.Errorf("reinstalling calendar jobs: %w", err)
		}
		slog.InfoContext(ctx, "calendar jobs reinstalled", "sessions", installed)
	}

	if cfg.CleanupCron != "" {
		if err := c.timetable.ScheduleCleanup(cfg.CleanupCron, c.supervisor.CleanupWorkspaces); err != nil {
			return err
		}
	}

	c.timetable.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", c.hub)
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "live feed listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("live feed server: %w", err)
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "shutting down live feed server", "error", err)
	}
	return nil
}

func doSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.shutdown(ctx)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening timetable: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	created, err := c.timetable.Sync(ctx, f)
	if err != nil {
		return err
	}

	fmt.Printf("timetable synced: %d sessions created\n", created)
	fmt.Println("calendar jobs take effect in the running service on its next start")
	return nil
}
