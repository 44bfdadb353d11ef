package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/analysis"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/history"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/notes"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/poller"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/toolset"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/watermark"
)

// Failure kinds recorded per cycle. One of these ends up in history and in
// the notification line whenever a cycle fails.
const (
	KindConfigCorrupt    = "config_corrupt"
	KindTimeout          = "timeout"
	KindProtocolMismatch = "protocol_mismatch"
	KindConnect          = "connect_error"
	KindInvalidInput     = "invalid_input"
	KindUpstream         = "upstream_failure"
	KindWrite            = "write_error"
	KindCancelled        = "cancelled"
)

// ErrBusy means a cycle is already in flight; the trigger was dropped.
var ErrBusy = errors.New("a cycle is already running")

// Collaborator seams. The daemon wires the real implementations; tests
// substitute fakes.
type Poller interface {
	Poll(ctx context.Context, since, now time.Time) (*poller.PollOutcome, error)
}

type ToolSessions interface {
	Connect(ctx context.Context) error
	Toolsets() (*toolset.Handle, error)
	Disconnect()
}

type Analyzer interface {
	Analyze(ctx context.Context, activityIDs []string, tools *toolset.Handle) (*analysis.Result, error)
}

type NoteWriter interface {
	Write(ctx context.Context, result *analysis.Result, path string) error
}

type WatermarkStore interface {
	Load() (watermark.Watermark, error)
	Save(wm watermark.Watermark) error
}

type CycleSink interface {
	Record(ctx context.Context, rec *history.CycleRecord) error
}

type Notifier interface {
	NotifyCycle(rec *history.CycleRecord)
}

// Scheduler owns the poll, analyze, write loop. One cycle at a time: timer
// ticks and manual triggers funnel through the same busy guard, and a tick
// that lands while a cycle is in flight is dropped, not queued.
type Scheduler struct {
	cfg       *config.Config
	watermark WatermarkStore
	poller    Poller
	sessions  ToolSessions
	analyzer  Analyzer
	writer    NoteWriter
	sink      CycleSink
	notifier  Notifier
	now       func() time.Time

	busy atomic.Bool

	mu     sync.Mutex
	cron   *rcron.Cron
	entry  rcron.EntryID
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Options struct {
	Config    *config.Config
	Watermark WatermarkStore
	Poller    Poller
	Sessions  ToolSessions
	Analyzer  Analyzer
	Writer    NoteWriter
	Sink      CycleSink
	Notifier  Notifier
}

func New(opts Options) *Scheduler {
	return &Scheduler{
		cfg:       opts.Config,
		watermark: opts.Watermark,
		poller:    opts.Poller,
		sessions:  opts.Sessions,
		analyzer:  opts.Analyzer,
		writer:    opts.Writer,
		sink:      opts.Sink,
		notifier:  opts.Notifier,
		now:       time.Now,
	}
}

func (s *Scheduler) interval() time.Duration {
	return time.Duration(s.cfg.Poll.IntervalMinutes) * time.Minute
}

// Start runs one cycle immediately, then on every interval tick. The owned
// timer lives until Stop; cancelling ctx also stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Poll.IntervalMinutes <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", s.cfg.Poll.IntervalMinutes)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return errors.New("scheduler already started")
	}
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New()
	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval()), func() {
		s.tick(runCtx)
	})
	if err != nil {
		s.cancel = nil
		s.stopCh = nil
		s.cron = nil
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("schedule cycles: %w", err)
	}
	s.entry = entry
	s.cron.Start()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(runCtx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	log.Printf("[scheduler] started, interval %s", s.interval())
	return nil
}

// Stop prevents further ticks, cancels the in-flight cycle, and waits for
// it to wind down. After Stop returns the scheduler causes no side effects.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	cronInst := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if cronInst != nil {
		stopCtx := cronInst.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			log.Printf("[scheduler] stop timeout waiting for running cycle")
		}
	}
	s.wg.Wait()
	log.Printf("[scheduler] stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunCycle(ctx); errors.Is(err, ErrBusy) {
		log.Printf("[scheduler] tick dropped, cycle still running")
	}
}

// RunCycle runs one poll, analyze, write cycle. Timer ticks, the manual
// trigger command and chat triggers all come through here, so at most one
// cycle runs at a time; a second caller gets ErrBusy. The returned record
// describes the outcome, failed cycles included; the error is only for
// triggers that never became a cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (*history.CycleRecord, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.busy.Store(false)

	rec := s.cycle(ctx)
	s.finish(rec)
	return rec, nil
}

// cycle is the state machine body: poll, then either stop at no-new or run
// analyze and write. The watermark only advances to the cycle's start time,
// and only after a successful write or a clean no-new poll; every failure
// leaves it untouched so the failed range is retried next cycle.
func (s *Scheduler) cycle(ctx context.Context) *history.CycleRecord {
	start := s.now()
	rec := &history.CycleRecord{StartedAt: start}

	since := s.loadSince(start)
	log.Printf("[scheduler] cycle start, polling since %s", since.Format(time.RFC3339))

	outcome, err := s.poller.Poll(ctx, since, start)
	if err != nil {
		return s.fail(rec, err, KindProtocolMismatch)
	}

	if !outcome.HasNew {
		log.Printf("[scheduler] no new activities")
		rec.State = history.StateNoNew
		rec.FinishedAt = s.now()
		s.advance(start, rec)
		return rec
	}

	rec.ActivityIDs = outcome.ActivityIDs
	log.Printf("[scheduler] %d new activities: %v", outcome.Count, outcome.ActivityIDs)

	result, err := s.analyzeWithSessions(ctx, outcome.ActivityIDs)
	if err != nil {
		return s.fail(rec, err, KindUpstream)
	}

	notePath := notes.NotePathFor(s.cfg.Vault.DailyNotePath, start)
	if err := s.writer.Write(ctx, result, notePath); err != nil {
		return s.fail(rec, err, KindWrite)
	}
	rec.NotePath = notePath

	rec.State = history.StateOK
	rec.Summary = fmt.Sprintf("analyzed %d activities", len(outcome.ActivityIDs))
	rec.FinishedAt = s.now()
	s.advance(start, rec)
	log.Printf("[scheduler] cycle done, note %s", notePath)
	return rec
}

// analyzeWithSessions brackets one analysis with session connect and
// disconnect. Toolset handles do not survive a reconnect, so each cycle
// borrows a fresh one.
func (s *Scheduler) analyzeWithSessions(ctx context.Context, activityIDs []string) (*analysis.Result, error) {
	if err := s.sessions.Connect(ctx); err != nil {
		s.sessions.Disconnect()
		return nil, err
	}
	defer s.sessions.Disconnect()

	handle, err := s.sessions.Toolsets()
	if err != nil {
		return nil, err
	}

	result, err := s.analyzer.Analyze(ctx, activityIDs, handle)
	if err == nil {
		return result, nil
	}

	var upstream *analysis.UpstreamError
	if errors.As(err, &upstream) && s.cfg.Analysis.AcceptPartial && usablePartial(upstream.Partial) {
		log.Printf("[scheduler] accepting partial analysis after upstream failure: %s", upstream.Message)
		return upstream.Partial, nil
	}
	return nil, err
}

func usablePartial(result *analysis.Result) bool {
	return result != nil && (result.Insights != "" || len(result.Charts) > 0)
}

// loadSince resolves the poll range start. A corrupt or unreadable
// watermark falls back to one interval before the cycle start instead of
// killing the cycle; so does a fresh install with no watermark yet.
func (s *Scheduler) loadSince(start time.Time) time.Time {
	wm, err := s.watermark.Load()
	if err != nil {
		if errors.Is(err, watermark.ErrCorrupt) {
			log.Printf("[scheduler] watermark corrupt, using safe default: %v", err)
		} else {
			log.Printf("[scheduler] watermark unreadable, using safe default: %v", err)
		}
		return start.Add(-s.interval())
	}
	if wm.IsZero() {
		return start.Add(-s.interval())
	}
	return wm.LastCheckedAt
}

// advance moves the watermark to the cycle's start time. Never past start:
// activities appearing mid-cycle stay inside the next poll range.
func (s *Scheduler) advance(start time.Time, rec *history.CycleRecord) {
	wm := watermark.Watermark{
		LastCheckedAt: start,
		LastCycle: &watermark.CycleInfo{
			At:      rec.FinishedAt,
			State:   rec.State,
			Summary: rec.Summary,
		},
	}
	if err := s.watermark.Save(wm); err != nil {
		// The cycle's work is done; next cycle re-polls the same range and
		// may append a duplicate block. Loud log, nothing else to do.
		log.Printf("[scheduler] watermark save failed, next cycle repolls this range: %v", err)
	}
}

func (s *Scheduler) fail(rec *history.CycleRecord, err error, fallbackKind string) *history.CycleRecord {
	rec.State = history.StateFailed
	rec.ErrorKind = classify(err, fallbackKind)
	rec.Summary = failureSummary(rec.ErrorKind)
	rec.FinishedAt = s.now()
	log.Printf("[scheduler] cycle failed (%s): %v", rec.ErrorKind, err)
	return rec
}

// finish records the cycle and notifies. Both are best-effort; a full
// history db or an unreachable chat must not fail the cycle after the fact.
func (s *Scheduler) finish(rec *history.CycleRecord) {
	if s.sink != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.sink.Record(recordCtx, rec); err != nil {
			log.Printf("[scheduler] record cycle: %v", err)
		}
		cancel()
	}
	if s.notifier != nil {
		s.notifier.NotifyCycle(rec)
	}
}

// classify maps an error to the cycle failure kind. The fallback covers
// errors a step produces that carry no sentinel, like raw filesystem
// failures during the write step.
func classify(err error, fallback string) string {
	var connectErr *toolset.ConnectError
	var upstreamPoll *poller.UpstreamError
	var upstreamAnalysis *analysis.UpstreamError
	switch {
	case errors.Is(err, watermark.ErrCorrupt):
		return KindConfigCorrupt
	case errors.Is(err, poller.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, poller.ErrProtocol):
		return KindProtocolMismatch
	case errors.As(err, &connectErr), errors.Is(err, toolset.ErrNotConnected):
		return KindConnect
	case errors.Is(err, analysis.ErrInvalidInput):
		return KindInvalidInput
	case errors.As(err, &upstreamPoll), errors.As(err, &upstreamAnalysis):
		return KindUpstream
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return fallback
	}
}

// Status is a point-in-time snapshot for the status command and chat
// queries.
type Status struct {
	Running   bool
	Busy      bool
	Interval  time.Duration
	NextRunAt time.Time
	Watermark watermark.Watermark
}

func (s *Scheduler) Status() Status {
	st := Status{Busy: s.busy.Load(), Interval: s.interval()}

	s.mu.Lock()
	if s.cron != nil {
		st.Running = true
		st.NextRunAt = s.cron.Entry(s.entry).Next
	}
	s.mu.Unlock()

	if wm, err := s.watermark.Load(); err == nil {
		st.Watermark = wm
	}
	return st
}

func failureSummary(kind string) string {
	switch kind {
	case KindConfigCorrupt:
		return "the watermark file is unreadable"
	case KindTimeout:
		return "the activity source timed out"
	case KindProtocolMismatch:
		return "the activity source returned an unexpected response"
	case KindConnect:
		return "tool sessions could not be established"
	case KindInvalidInput:
		return "the poll result was unusable"
	case KindUpstream:
		return "the analysis stream failed"
	case KindWrite:
		return "the note could not be written"
	case KindCancelled:
		return "the cycle was cancelled"
	default:
		return "an unexpected error occurred"
	}
}
