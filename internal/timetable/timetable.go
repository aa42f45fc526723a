// Package timetable turns an uploaded weekly timetable into persisted
// sessions plus weekly calendar jobs that start and stop them. Exactly one
// generation of timetable-derived sessions is live at a time: every sync
// clears the previous generation before creating the next.
package timetable

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/labwatch/labwatch/internal/model"
)

// Lifecycle is the session start/stop collaborator the calendar jobs drive.
type Lifecycle interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
}

// Records is the persistence collaborator for labs and timetable sessions.
type Records interface {
	EnsureLab(ctx context.Context, name string) (model.Lab, error)
	CreateSession(ctx context.Context, session *model.Session) error
	TimetableSessions(ctx context.Context) ([]model.Session, error)
	DeleteTimetableSessions(ctx context.Context) error
}

type jobPair struct {
	start uuid.UUID
	stop  uuid.UUID
}

// Scheduler owns the calendar-job registry: per timetable session one weekly
// start job and one weekly stop job. Because the jobs fire on weekday and
// wall-clock time, they stay correct every following week without
// re-computation.
type Scheduler struct {
	records   Records
	lifecycle Lifecycle
	sched     gocron.Scheduler
	loc       *time.Location
	now       func() time.Time

	mx   sync.Mutex
	jobs map[string]jobPair
}

type Option func(*Scheduler)

// WithLocation sets the timezone timetable wall-clock entries are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.loc = loc
	}
}

// WithClock replaces the time source. For unit testing only.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(records Records, lifecycle Lifecycle, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		records:   records,
		lifecycle: lifecycle,
		loc:       time.Local,
		jobs:      make(map[string]jobPair),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		loc := s.loc
		s.now = func() time.Time { return time.Now().In(loc) }
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(s.loc))
	if err != nil {
		return nil, fmt.Errorf("initializing calendar scheduler: %w", err)
	}
	s.sched = sched
	return s, nil
}

// Start begins firing installed calendar jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// InstalledJobs reports how many sessions currently have a calendar job pair.
func (s *Scheduler) InstalledJobs() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.jobs)
}

// Sync replaces the live timetable generation with the rows of the uploaded
// workbook. The previous generation is fully cleared first, so no stale job
// can fire against a deleted session. Malformed rows are skipped and logged;
// one bad row never aborts the sync. Returns the number of sessions created.
func (s *Scheduler) Sync(ctx context.Context, r io.Reader) (int, error) {
	if err := s.Clear(ctx); err != nil {
		return 0, fmt.Errorf("clearing previous timetable generation: %w", err)
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return 0, fmt.Errorf("opening timetable workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("no worksheet in timetable workbook")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return 0, fmt.Errorf("reading worksheet %q: %w", sheets[0], err)
	}
	if len(rows) < 1 {
		return 0, fmt.Errorf("timetable workbook has no header row")
	}

	headers := normalizeHeaders(rows[0])
	created := 0
	for i, cells := range rows[1:] {
		rowNum := i + 2
		created += s.syncRow(ctx, headers, cells, rowNum)
	}
	return created, nil
}

func (s *Scheduler) syncRow(ctx context.Context, headers map[int]string, cells []string, rowNum int) int {
	row, err := parseRow(headers, cells)
	if err != nil {
		slog.WarnContext(ctx, "skipping timetable row", "row", rowNum, "error", err)
		return 0
	}

	lab, err := s.records.EnsureLab(ctx, row.lab)
	if err != nil {
		slog.WarnContext(ctx, "skipping timetable row: resolving lab", "row", rowNum, "lab", row.lab, "error", err)
		return 0
	}

	start, end, _, err := ResolveWindow(s.now(), row.day, row.start, row.end)
	if err != nil {
		slog.WarnContext(ctx, "skipping timetable row", "row", rowNum, "error", err)
		return 0
	}

	session := model.Session{
		ID:                 uuid.NewString(),
		LabID:              lab.ID,
		StartTime:          start,
		EndTime:            end,
		TargetCaptures:     row.captures,
		SecondaryDetection: row.secondary,
		FromTimetable:      true,
		Recurrence: model.Recurrence{
			DayOfWeek:  row.day,
			StartClock: row.start,
			EndClock:   row.end,
		},
	}
	if err := s.records.CreateSession(ctx, &session); err != nil {
		slog.WarnContext(ctx, "skipping timetable row: persisting session", "row", rowNum, "error", err)
		return 0
	}

	if err := s.installJobs(session.ID, start, end); err != nil {
		slog.WarnContext(ctx, "installing calendar jobs failed", "row", rowNum, "session_id", session.ID, "error", err)
		return 0
	}

	slog.InfoContext(ctx, "timetable session created",
		"session_id", session.ID,
		"lab", lab.Name,
		"start", start,
		"end", end,
		"target_captures", row.captures,
	)
	return 1
}

// Clear stops every active timetable-derived session (best effort), removes
// every installed calendar job, then deletes the session records. Completes
// fully before any new generation is created.
func (s *Scheduler) Clear(ctx context.Context) error {
	sessions, err := s.records.TimetableSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing timetable sessions: %w", err)
	}
	for _, session := range sessions {
		if err := s.lifecycle.Stop(ctx, session.ID); err != nil {
			slog.WarnContext(ctx, "stopping timetable session failed", "session_id", session.ID, "error", err)
		}
	}

	s.mx.Lock()
	for id, pair := range s.jobs {
		if err := s.sched.RemoveJob(pair.start); err != nil {
			slog.DebugContext(ctx, "removing start job", "session_id", id, "error", err)
		}
		if err := s.sched.RemoveJob(pair.stop); err != nil {
			slog.DebugContext(ctx, "removing stop job", "session_id", id, "error", err)
		}
		delete(s.jobs, id)
	}
	s.mx.Unlock()

	return s.records.DeleteTimetableSessions(ctx)
}

// Reinstall rebuilds calendar jobs for persisted timetable sessions from
// their recurrence descriptors. Used at service boot; sessions whose
// descriptor no longer parses are skipped.
func (s *Scheduler) Reinstall(ctx context.Context) (int, error) {
	sessions, err := s.records.TimetableSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing timetable sessions: %w", err)
	}

	installed := 0
	for _, session := range sessions {
		rec := session.Recurrence
		start, end, _, err := ResolveWindow(s.now(), rec.DayOfWeek, rec.StartClock, rec.EndClock)
		if err != nil {
			slog.WarnContext(ctx, "skipping session with stale recurrence", "session_id", session.ID, "error", err)
			continue
		}
		if err := s.installJobs(session.ID, start, end); err != nil {
			slog.WarnContext(ctx, "installing calendar jobs failed", "session_id", session.ID, "error", err)
			continue
		}
		installed++
	}
	return installed, nil
}

// ScheduleCleanup installs a recurring job at the given cron spec.
func (s *Scheduler) ScheduleCleanup(spec string, task func(context.Context)) error {
	if err := ParseCron(spec); err != nil {
		return fmt.Errorf("parsing cleanup cron %q: %w", spec, err)
	}
	_, err := s.sched.NewJob(
		gocron.CronJob(spec, false),
		gocron.NewTask(func() { task(context.Background()) }),
	)
	return err
}

// installJobs arms the weekly start/stop pair for one session. The stop job
// uses the end instant's weekday, which differs from the start's for
// overnight windows.
func (s *Scheduler) installJobs(sessionID string, start, end time.Time) error {
	startJob, err := s.sched.NewJob(
		gocron.WeeklyJob(1,
			gocron.NewWeekdays(start.Weekday()),
			gocron.NewAtTimes(gocron.NewAtTime(uint(start.Hour()), uint(start.Minute()), 0)),
		),
		gocron.NewTask(s.startTask(sessionID)),
	)
	if err != nil {
		return fmt.Errorf("installing start job: %w", err)
	}

	stopJob, err := s.sched.NewJob(
		gocron.WeeklyJob(1,
			gocron.NewWeekdays(end.Weekday()),
			gocron.NewAtTimes(gocron.NewAtTime(uint(end.Hour()), uint(end.Minute()), 0)),
		),
		gocron.NewTask(s.stopTask(sessionID)),
	)
	if err != nil {
		_ = s.sched.RemoveJob(startJob.ID())
		return fmt.Errorf("installing stop job: %w", err)
	}

	s.mx.Lock()
	s.jobs[sessionID] = jobPair{start: startJob.ID(), stop: stopJob.ID()}
	s.mx.Unlock()
	return nil
}

func (s *Scheduler) startTask(sessionID string) func() {
	return func() {
		ctx := context.Background()
		slog.InfoContext(ctx, "calendar job: starting session", "session_id", sessionID)
		if err := s.lifecycle.Start(ctx, sessionID); err != nil {
			slog.ErrorContext(ctx, "calendar start failed", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Scheduler) stopTask(sessionID string) func() {
	return func() {
		ctx := context.Background()
		slog.InfoContext(ctx, "calendar job: stopping session", "session_id", sessionID)
		if err := s.lifecycle.Stop(ctx, sessionID); err != nil {
			slog.ErrorContext(ctx, "calendar stop failed", "session_id", sessionID, "error", err)
		}
	}
}

type row struct {
	lab       string
	day       string
	start     string
	end       string
	captures  int
	secondary bool
}

// Canonical column keys after header normalization.
const (
	colLab       = "labname"
	colDay       = "dayofweek"
	colStart     = "starttime"
	colEnd       = "endtime"
	colCaptures  = "detections"
	colSecondary = "secondarydetection"
)

// headerAliases maps observed header spellings, typos included, onto
// canonical column keys.
var headerAliases = map[string]string{
	"labname":            colLab,
	"lab":                colLab,
	"dayofweek":          colDay,
	"day":                colDay,
	"weekday":            colDay,
	"starttime":          colStart,
	"start":              colStart,
	"endtime":            colEnd,
	"end":                colEnd,
	"detections":         colCaptures,
	"captures":           colCaptures,
	"numberofdetections": colCaptures,
	"secondarydetection": colSecondary,
	"phonedetection":     colSecondary,
	"ponedetection":      colSecondary,
	"phonedetect":        colSecondary,
}

func normalizeHeaders(cells []string) map[int]string {
	headers := make(map[int]string, len(cells))
	for i, cell := range cells {
		key := strings.ToLower(cell)
		key = strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' {
				return r
			}
			return -1
		}, key)
		if canonical, ok := headerAliases[key]; ok {
			headers[i] = canonical
		}
	}
	return headers
}

func parseRow(headers map[int]string, cells []string) (row, error) {
	values := make(map[string]string, len(headers))
	for i, cell := range cells {
		if key, ok := headers[i]; ok {
			values[key] = strings.TrimSpace(cell)
		}
	}

	r := row{
		lab:   values[colLab],
		day:   values[colDay],
		start: values[colStart],
		end:   values[colEnd],
	}
	if r.lab == "" || r.day == "" || r.start == "" || r.end == "" {
		return row{}, fmt.Errorf("missing required columns (lab name, day of week, start time, end time)")
	}

	r.captures = 1
	if v := values[colCaptures]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return row{}, fmt.Errorf("invalid detections count: %q", v)
		}
		r.captures = n
	}

	if v := values[colSecondary]; v != "" {
		r.secondary = strings.EqualFold(v, "true")
	}
	return r, nil
}
