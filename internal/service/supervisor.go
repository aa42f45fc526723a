package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labwatch/labwatch/internal/log"
	"github.com/labwatch/labwatch/internal/model"
	"github.com/labwatch/labwatch/internal/worker"
)

// ErrSessionStopped rejects requests that were still pending when their
// session was torn down.
var ErrSessionStopped = errors.New("session stopped")

// Records is the persistence collaborator: session/lab lookup on start,
// detection append and utilization update on every completed capture.
type Records interface {
	Session(ctx context.Context, id string) (model.Session, error)
	Lab(ctx context.Context, id string) (model.Lab, error)
	AppendDetection(ctx context.Context, d model.DetectionResult) error
	SetLabUtilization(ctx context.Context, labID string, percent float64) error
}

// Broadcaster is the live-update collaborator.
type Broadcaster interface {
	Publish(ctx context.Context, event string, payload any)
}

// Client is the supervised worker process as seen by the capture loop.
// *worker.Worker satisfies it; tests substitute fakes.
type Client interface {
	Send(ctx context.Context, cmd worker.Command, timeout time.Duration) (worker.Response, error)
	Done() <-chan struct{}
	Alive() bool
	Kill() error
}

// SpawnFunc launches the worker process for one session.
type SpawnFunc func(ctx context.Context, launch worker.Launch) (Client, error)

type Config struct {
	// Python is the interpreter used to run the detection script.
	Python string
	// Script is the path of the detection worker program. Start fails when
	// it is missing on disk.
	Script string
	// CaptureRoot holds one staged screenshot directory per lab.
	CaptureRoot string
	// StopGrace bounds how long a worker may outlive its graceful stop
	// command before being killed.
	StopGrace time.Duration
	// MinCaptureTimeout is the floor for per-capture response timeouts;
	// sessions with longer intervals wait one full interval instead.
	MinCaptureTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.CaptureRoot == "" {
		c.CaptureRoot = "screenshots"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2500 * time.Millisecond
	}
	if c.MinCaptureTimeout <= 0 {
		c.MinCaptureTimeout = 15 * time.Second
	}
	return c
}

// Supervisor tracks one controller per active session and drives each
// through its capture schedule.
type Supervisor struct {
	cfg       Config
	records   Records
	broadcast Broadcaster
	spawn     SpawnFunc
	now       func() time.Time

	mx          sync.Mutex
	controllers map[string]*controller

	wg sync.WaitGroup
}

// controller is the live runtime state of one started session.
type controller struct {
	id      string
	session model.Session
	lab     model.Lab
	workDir string

	cancel context.CancelCauseFunc

	cmx    sync.Mutex
	client Client

	busy atomic.Bool
	runs atomic.Int64
}

func (c *controller) getClient() Client {
	c.cmx.Lock()
	defer c.cmx.Unlock()
	return c.client
}

func NewSupervisor(cfg Config, records Records, broadcast Broadcaster) *Supervisor {
	s := &Supervisor{
		cfg:         cfg.withDefaults(),
		records:     records,
		broadcast:   broadcast,
		now:         time.Now,
		controllers: make(map[string]*controller),
	}
	s.spawn = func(ctx context.Context, launch worker.Launch) (Client, error) {
		return worker.Spawn(ctx, launch)
	}
	return s
}

// WithSpawner replaces process spawning. For unit testing only.
func (s *Supervisor) WithSpawner(spawn SpawnFunc) *Supervisor {
	s.spawn = spawn
	return s
}

// WithClock replaces the time source. For unit testing only.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Active returns the ids of all currently tracked sessions.
func (s *Supervisor) Active() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	ids := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		ids = append(ids, id)
	}
	return ids
}

// Start begins monitoring for the given session. A second Start for the same
// id is a no-op, not an error: exactly one controller exists afterwards.
func (s *Supervisor) Start(ctx context.Context, sessionID string) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	s.mx.Lock()
	if _, ok := s.controllers[sessionID]; ok {
		s.mx.Unlock()
		cancel(nil)
		slog.DebugContext(ctx, "session already running", "session_id", sessionID)
		return nil
	}
	c := &controller{id: sessionID, cancel: cancel}
	s.controllers[sessionID] = c
	s.mx.Unlock()

	fail := func(err error) error {
		s.remove(sessionID)
		cancel(err)
		return err
	}

	session, err := s.records.Session(ctx, sessionID)
	if err != nil {
		return fail(fmt.Errorf("loading session: %w", err))
	}
	if err := session.Validate(); err != nil {
		return fail(err)
	}
	lab, err := s.records.Lab(ctx, session.LabID)
	if err != nil {
		return fail(fmt.Errorf("loading lab: %w", err))
	}

	workDir := filepath.Join(s.cfg.CaptureRoot, lab.Name)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fail(fmt.Errorf("creating capture workspace: %w", err))
	}

	if _, err := os.Stat(s.cfg.Script); err != nil {
		return fail(fmt.Errorf("%w: script %s: %w", worker.ErrLaunch, s.cfg.Script, err))
	}

	client, err := s.spawn(runCtx, worker.Launch{
		Path: s.cfg.Python,
		Args: []string{
			s.cfg.Script,
			"--lab-id", lab.ID,
			"--lab-name", lab.Name,
			"--source", lab.CameraSource,
			"--save-dir", workDir,
		},
		Env: os.Environ(),
	})
	if err != nil {
		return fail(err)
	}

	c.session = session
	c.lab = lab
	c.workDir = workDir
	c.cmx.Lock()
	c.client = client
	c.cmx.Unlock()

	// Stop may have raced the spawn; do not leak the process.
	if runCtx.Err() != nil {
		_ = client.Kill()
		s.remove(sessionID)
		return nil
	}

	s.wg.Add(1)
	go s.run(runCtx, c)

	slog.InfoContext(ctx, "session started",
		"session_id", sessionID,
		"lab", lab.Name,
		"start", session.StartTime,
		"end", session.EndTime,
		"target_captures", session.TargetCaptures,
		"interval", session.Interval(),
	)
	return nil
}

// Stop tears one session down: scheduling loop cancelled, worker asked to
// stop and killed after the grace period, pending requests rejected,
// workspace removed. Stopping an unknown id is a no-op.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mx.Lock()
	c, ok := s.controllers[sessionID]
	if ok {
		delete(s.controllers, sessionID)
	}
	s.mx.Unlock()
	if !ok {
		slog.DebugContext(ctx, "no active controller", "session_id", sessionID)
		return nil
	}

	// Cancels both the delayed-start timer and the recurring ticker; the
	// worker's own exit handler is the second safety net.
	c.cancel(ErrSessionStopped)

	if client := c.getClient(); client != nil {
		if client.Alive() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopGrace)
			_, err := client.Send(stopCtx, worker.Command{Cmd: "stop"}, s.cfg.StopGrace)
			cancel()
			if err != nil {
				slog.DebugContext(ctx, "graceful worker stop failed", "session_id", sessionID, "error", err)
			}
		}
		select {
		case <-client.Done():
		case <-time.After(s.cfg.StopGrace):
			if err := client.Kill(); err != nil {
				slog.DebugContext(ctx, "killing worker", "session_id", sessionID, "error", err)
			}
		}
	}

	// Cleanup failures must not block the stop transition.
	if c.workDir != "" {
		if err := os.RemoveAll(c.workDir); err != nil {
			slog.WarnContext(ctx, "removing capture workspace failed", "dir", c.workDir, "error", err)
		}
	}

	slog.InfoContext(ctx, "session stopped", "session_id", sessionID, "captures_done", c.runs.Load())
	return nil
}

// StopAll sweeps every tracked session. Individual failures are logged and
// do not abort the sweep.
func (s *Supervisor) StopAll(ctx context.Context) {
	var g errgroup.Group
	for _, id := range s.Active() {
		g.Go(func() error {
			if err := s.Stop(ctx, id); err != nil {
				slog.ErrorContext(ctx, "stopping session failed", "session_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops every session and waits for all scheduling loops and
// in-flight captures to finish.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.StopAll(ctx)
	s.wg.Wait()
}

func (s *Supervisor) remove(sessionID string) {
	s.mx.Lock()
	delete(s.controllers, sessionID)
	s.mx.Unlock()
}

// run is the per-session scheduling loop: one delayed first trigger, then a
// recurring ticker, all bound to a single cancellation token.
func (s *Supervisor) run(ctx context.Context, c *controller) {
	defer s.wg.Done()

	ctx = log.ContextAttrs(ctx,
		slog.String("session_id", c.id),
		slog.String("lab", c.lab.Name),
	)

	interval := c.session.Interval()
	now := s.now()
	elapsed := !now.Before(c.session.EndTime)

	if delay := c.session.StartTime.Sub(now); delay > 0 {
		slog.InfoContext(ctx, "first capture armed", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.getClient().Done():
			timer.Stop()
			s.reap(ctx, c)
			return
		case <-timer.C:
		}
	}

	if elapsed {
		// Window already over when started: one best-effort sample, then out.
		slog.InfoContext(ctx, "session window already elapsed, taking single capture")
		s.capture(ctx, c, interval)
		s.stopSelf(ctx, c.id)
		return
	}

	s.tick(ctx, c, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.getClient().Done():
			slog.WarnContext(ctx, "worker exited mid-session")
			s.stopSelf(ctx, c.id)
			return
		case <-ticker.C:
			if !s.now().Before(c.session.EndTime) || c.runs.Load() >= int64(c.session.TargetCaptures) {
				slog.InfoContext(ctx, "session window ended or target reached")
				s.stopSelf(ctx, c.id)
				return
			}
			s.tick(ctx, c, interval)
		}
	}
}

// tick fires one capture without blocking the loop, so a slow capture delays
// nothing and overlapping ticks are skipped via the busy flag.
func (s *Supervisor) tick(ctx context.Context, c *controller, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.capture(ctx, c, interval)
	}()
}

func (s *Supervisor) stopSelf(ctx context.Context, sessionID string) {
	if err := s.Stop(context.WithoutCancel(ctx), sessionID); err != nil {
		slog.ErrorContext(ctx, "stopping session failed", "session_id", sessionID, "error", err)
	}
}

// capture issues one capture command and records the result. A tick that
// finds the previous capture still in flight is skipped: not queued, and not
// counted toward the run total.
func (s *Supervisor) capture(ctx context.Context, c *controller, interval time.Duration) {
	if !c.busy.CompareAndSwap(false, true) {
		slog.DebugContext(ctx, "previous capture still in flight, skipping tick")
		return
	}
	defer c.busy.Store(false)

	timeout := interval
	if timeout < s.cfg.MinCaptureTimeout {
		timeout = s.cfg.MinCaptureTimeout
	}

	resp, err := c.getClient().Send(ctx, worker.Command{
		Cmd:                      "capture",
		Timestamp:                s.now().UTC().Format(time.RFC3339),
		EnableSecondaryDetection: c.session.SecondaryDetection,
	}, timeout)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrTimeout):
			slog.WarnContext(ctx, "capture missed: worker response timeout", "timeout", timeout)
		case errors.Is(err, context.Canceled):
			slog.DebugContext(ctx, "capture aborted", "cause", context.Cause(ctx))
		default:
			slog.WarnContext(ctx, "capture failed", "error", err)
		}
		return
	}

	c.runs.Add(1)
	s.record(ctx, c, resp)
	slog.InfoContext(ctx, "capture done", "run", c.runs.Load(), "target", c.session.TargetCaptures)
}

// record hands one completed capture to persistence and broadcast. Failures
// here are logged; they never disturb the schedule.
func (s *Supervisor) record(ctx context.Context, c *controller, resp worker.Response) {
	timestamp := s.now().UTC()
	if resp.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, resp.Timestamp); err == nil {
			timestamp = ts
		}
	}

	objects := resp.DetectedObjects
	if len(objects) == 0 && resp.Count > 0 {
		objects = []model.DetectedObject{{Label: "person", Count: resp.Count}}
	}

	result := model.DetectionResult{
		LabID:     c.lab.ID,
		SessionID: c.id,
		Timestamp: timestamp,
		Objects:   objects,
		ImagePath: resp.Screenshot,
	}
	if err := s.records.AppendDetection(ctx, result); err != nil {
		slog.ErrorContext(ctx, "persisting detection failed", "error", err)
	}

	peopleCount := result.PeopleCount()
	percent := c.lab.OccupancyPercent(peopleCount)
	if err := s.records.SetLabUtilization(ctx, c.lab.ID, percent); err != nil {
		slog.ErrorContext(ctx, "updating lab utilization failed", "error", err)
	}

	s.broadcast.Publish(ctx, "labOccupancyUpdate", model.OccupancyUpdate{
		LabID:            c.lab.ID,
		LabName:          c.lab.Name,
		PeopleCount:      peopleCount,
		OccupancyPercent: percent,
	})
	s.broadcast.Publish(ctx, "detection", result)
}

// reap handles a worker that died before the first capture fired.
func (s *Supervisor) reap(ctx context.Context, c *controller) {
	slog.WarnContext(ctx, "worker exited before session window opened")
	s.stopSelf(ctx, c.id)
}
