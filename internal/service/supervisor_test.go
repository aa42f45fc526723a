package service_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labwatch/labwatch/internal/model"
	"github.com/labwatch/labwatch/internal/service"
	"github.com/labwatch/labwatch/internal/worker"

	"github.com/stretchr/testify/require"
)

// fakeClient substitutes the spawned worker process. Capture behavior is
// pluggable per test; a stop command terminates the fake gracefully.
type fakeClient struct {
	capture func(ctx context.Context, cmd worker.Command) (worker.Response, error)

	captures atomic.Int64
	stops    atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeClient(capture func(ctx context.Context, cmd worker.Command) (worker.Response, error)) *fakeClient {
	if capture == nil {
		capture = func(context.Context, worker.Command) (worker.Response, error) {
			return worker.Response{
				Count:           3,
				DetectedObjects: []model.DetectedObject{{Label: "person", Count: 3}},
				Screenshot:      "shot.jpg",
			}, nil
		}
	}
	return &fakeClient{capture: capture, done: make(chan struct{})}
}

func (f *fakeClient) Send(ctx context.Context, cmd worker.Command, _ time.Duration) (worker.Response, error) {
	switch cmd.Cmd {
	case "stop":
		f.stops.Add(1)
		f.exit()
		return worker.Response{}, nil
	case "capture":
		f.captures.Add(1)
		return f.capture(ctx, cmd)
	default:
		return worker.Response{}, nil
	}
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeClient) Kill() error {
	f.exit()
	return nil
}

func (f *fakeClient) exit() {
	f.closeOnce.Do(func() { close(f.done) })
}

type fakeRecords struct {
	mx          sync.Mutex
	sessions    map[string]model.Session
	labs        map[string]model.Lab
	detections  []model.DetectionResult
	utilization map[string]float64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		sessions:    make(map[string]model.Session),
		labs:        make(map[string]model.Lab),
		utilization: make(map[string]float64),
	}
}

func (f *fakeRecords) Session(_ context.Context, id string) (model.Session, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return s, nil
}

func (f *fakeRecords) Lab(_ context.Context, id string) (model.Lab, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	l, ok := f.labs[id]
	if !ok {
		return model.Lab{}, model.ErrNotFound
	}
	return l, nil
}

func (f *fakeRecords) AppendDetection(_ context.Context, d model.DetectionResult) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeRecords) SetLabUtilization(_ context.Context, labID string, percent float64) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.utilization[labID] = percent
	return nil
}

func (f *fakeRecords) detectionCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.detections)
}

type fakeHub struct {
	mx     sync.Mutex
	events []string
}

func (f *fakeHub) Publish(_ context.Context, event string, _ any) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeHub) count(event string) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	sup     *service.Supervisor
	records *fakeRecords
	hub     *fakeHub
	root    string
	script  string

	mx      sync.Mutex
	clients []*fakeClient
	spawns  int
}

func (h *harness) client(i int) *fakeClient {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.clients[i]
}

func (h *harness) spawnCount() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.spawns
}

// newHarness wires a supervisor against fakes and a real temp capture root.
// capture is the per-client capture behavior; nil means respond instantly
// with three people detected.
func newHarness(t *testing.T, capture func(ctx context.Context, cmd worker.Command) (worker.Response, error)) *harness {
	t.Helper()
	root := t.TempDir()
	script := filepath.Join(root, "detect.py")
	require.NoError(t, os.WriteFile(script, []byte("# worker stub\n"), 0644))

	h := &harness{
		records: newFakeRecords(),
		hub:     &fakeHub{},
		root:    filepath.Join(root, "screenshots"),
		script:  script,
	}
	h.sup = service.NewSupervisor(service.Config{
		Script:            script,
		CaptureRoot:       h.root,
		StopGrace:         100 * time.Millisecond,
		MinCaptureTimeout: time.Second,
	}, h.records, h.hub).WithSpawner(func(ctx context.Context, launch worker.Launch) (service.Client, error) {
		c := newFakeClient(capture)
		h.mx.Lock()
		h.clients = append(h.clients, c)
		h.spawns++
		h.mx.Unlock()
		return c, nil
	})

	h.records.labs["lab-1"] = model.Lab{ID: "lab-1", Name: "physics", Capacity: 10, CameraSource: "0"}
	t.Cleanup(func() {
		h.sup.Shutdown(context.Background())
	})
	return h
}

func (h *harness) addSession(id string, start, end time.Time, target int) {
	h.records.mx.Lock()
	defer h.records.mx.Unlock()
	h.records.sessions[id] = model.Session{
		ID:             id,
		LabID:          "lab-1",
		StartTime:      start,
		EndTime:        end,
		TargetCaptures: target,
	}
}

func TestStartUnknownSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.sup.Start(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Empty(t, h.sup.Active())
}

func TestStartInvalidWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	now := time.Now()
	h.addSession("s1", now.Add(time.Hour), now, 2)

	err := h.sup.Start(context.Background(), "s1")
	require.ErrorIs(t, err, model.ErrInvalidWindow)
	require.Empty(t, h.sup.Active())
	require.Zero(t, h.spawnCount())
}

func TestStartMissingScript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, os.Remove(h.script))
	now := time.Now()
	h.addSession("s1", now, now.Add(time.Hour), 2)

	err := h.sup.Start(context.Background(), "s1")
	require.ErrorIs(t, err, worker.ErrLaunch)
	require.Empty(t, h.sup.Active())
}

func TestStartIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	// window entirely in the future: the loop parks on the delayed trigger
	now := time.Now()
	h.addSession("s1", now.Add(time.Hour), now.Add(2*time.Hour), 4)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))
	require.NoError(t, h.sup.Start(ctx, "s1"))

	require.Equal(t, 1, h.spawnCount())
	require.Equal(t, []string{"s1"}, h.sup.Active())
	require.DirExists(t, filepath.Join(h.root, "physics"))

	require.NoError(t, h.sup.Stop(ctx, "s1"))
	require.Empty(t, h.sup.Active())
	require.EqualValues(t, 1, h.client(0).stops.Load())
	require.NoDirExists(t, filepath.Join(h.root, "physics"))
}

func TestStopUnknownSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Stop(context.Background(), "never-started"))
}

func TestCaptureRunsToTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	now := time.Now()
	h.addSession("s1", now, now.Add(1500*time.Millisecond), 3)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))

	require.Eventually(t, func() bool {
		return len(h.sup.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond, "session should stop itself")
	h.sup.Shutdown(ctx)

	require.Equal(t, 3, h.records.detectionCount())
	require.Equal(t, 3, h.hub.count("labOccupancyUpdate"))
	require.Equal(t, 3, h.hub.count("detection"))

	// 3 people in a capacity-10 lab
	h.records.mx.Lock()
	require.InDelta(t, 30.0, h.records.utilization["lab-1"], 0.001)
	h.records.mx.Unlock()

	require.NoDirExists(t, filepath.Join(h.root, "physics"))
}

func TestBusyCaptureSkipsTicks(t *testing.T) {
	t.Parallel()
	// capture never completes until the session is torn down
	h := newHarness(t, func(ctx context.Context, _ worker.Command) (worker.Response, error) {
		<-ctx.Done()
		return worker.Response{}, ctx.Err()
	})
	now := time.Now()
	h.addSession("s1", now, now.Add(10*time.Second), 1000) // 10ms interval

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))

	// plenty of ticks fire while the first capture is still in flight
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.sup.Stop(ctx, "s1"))
	h.sup.Shutdown(ctx)

	require.EqualValues(t, 1, h.client(0).captures.Load(), "busy ticks must be skipped, not queued")
	require.Zero(t, h.records.detectionCount(), "skipped ticks must not count")
}

func TestWorkerExitStopsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	now := time.Now()
	h.addSession("s1", now, now.Add(10*time.Second), 100)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))

	h.client(0).exit()

	require.Eventually(t, func() bool {
		return len(h.sup.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond, "dead worker should end the session")
	require.NoDirExists(t, filepath.Join(h.root, "physics"))
}

func TestElapsedWindowSingleCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	past := time.Now().Add(-time.Hour)
	h.addSession("s1", past, past.Add(30*time.Minute), 5)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))

	require.Eventually(t, func() bool {
		return len(h.sup.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	h.sup.Shutdown(ctx)

	require.Equal(t, 1, h.records.detectionCount(), "elapsed window takes exactly one sample")
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	now := time.Now()
	h.addSession("s1", now.Add(time.Hour), now.Add(2*time.Hour), 2)
	h.addSession("s2", now.Add(time.Hour), now.Add(2*time.Hour), 2)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))
	require.NoError(t, h.sup.Start(ctx, "s2"))
	require.Len(t, h.sup.Active(), 2)

	h.sup.Shutdown(ctx)
	require.Empty(t, h.sup.Active())
}

func TestCleanupWorkspaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	now := time.Now()
	h.addSession("s1", now.Add(time.Hour), now.Add(2*time.Hour), 2)

	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx, "s1"))

	stale := filepath.Join(h.root, "decommissioned-lab")
	require.NoError(t, os.MkdirAll(stale, 0755))

	h.sup.CleanupWorkspaces(ctx)

	require.NoDirExists(t, stale)
	require.DirExists(t, filepath.Join(h.root, "physics"))
}
