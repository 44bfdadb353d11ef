// Package daemon assembles the pipeline: watermark store, activity poller,
// tool sessions, analysis orchestrator, note writer, scheduler and the
// optional Telegram notifier, wired from one Config.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/analysis"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/history"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/notes"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/notify"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/poller"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/scheduler"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/toolset"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/watermark"
)

// Options for creating a Daemon
type Options struct {
	RunnerFactory analysis.RunnerFactory
	BotFactory    notify.BotFactory
	SignalChan    chan os.Signal // for testing signal handling
}

type Daemon struct {
	cfg       *config.Config
	watermark *watermark.Store
	history   *history.Store
	sessions  *toolset.Manager
	sched     *scheduler.Scheduler
	notifier  *notify.TelegramNotifier

	signalChan chan os.Signal
}

// New creates a Daemon with default options
func New(cfg *config.Config) (*Daemon, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Daemon with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg}

	if err := os.MkdirAll(cfg.StateDir(), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	d.watermark = watermark.NewStore(cfg.WatermarkPath())

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open cycle history: %w", err)
	}
	d.history = hist

	// Seed the editable prompt template on first run, then load whatever
	// is there. A template the user broke is a startup error, not a
	// silent fallback.
	if err := analysis.WriteDefaultTemplate(cfg.PromptPath()); err != nil {
		log.Printf("[daemon] seed prompt template warning: %v", err)
	}
	prompt, err := analysis.LoadTemplate(cfg.PromptPath())
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("load prompt template: %w", err)
	}

	d.sessions = toolset.NewManager(cfg.Tools)

	var session analysis.Session
	if opts.RunnerFactory != nil {
		session = analysis.NewAgentSessionWithFactory(cfg, opts.RunnerFactory)
	} else {
		session = analysis.NewAgentSession(cfg)
	}
	orch := analysis.NewOrchestrator(session, prompt, d.sessions.ChartNamespace(), cfg.Analysis)

	writer := notes.NewWriter(notes.NewFSVault(cfg.Vault.Path))

	if opts.BotFactory != nil {
		d.notifier = notify.NewTelegramWithFactory(cfg.Telegram, opts.BotFactory)
	} else {
		d.notifier = notify.NewTelegram(cfg.Telegram)
	}

	d.sched = scheduler.New(scheduler.Options{
		Config:    cfg,
		Watermark: d.watermark,
		Poller:    poller.New(cfg.Adapter),
		Sessions:  d.sessions,
		Analyzer:  orch,
		Writer:    writer,
		Sink:      hist,
		Notifier:  d.notifier,
	})
	d.notifier.Trigger = d.sched

	d.signalChan = opts.SignalChan

	return d, nil
}

// Scheduler exposes the cycle trigger for callers that run outside the
// daemon loop, like the run-once command.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.sched
}

// Run starts the scheduler and notifier and blocks until a shutdown signal
// or ctx cancellation, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.notifier.Start(ctx); err != nil {
		log.Printf("[daemon] telegram start warning: %v", err)
	}

	if err := d.sched.Start(ctx); err != nil {
		_ = d.notifier.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.Printf("[daemon] polling every %dm, vault at %s", d.cfg.Poll.IntervalMinutes, d.cfg.Vault.Path)

	// Use injected signal channel for testing, or create default
	sigCh := d.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[daemon] shutting down...")
	return d.Shutdown()
}

// Shutdown stops the scheduler first so no cycle is in flight when the
// stores and sessions behind it close.
func (d *Daemon) Shutdown() error {
	if d.sched != nil {
		d.sched.Stop()
	}
	if d.notifier != nil {
		_ = d.notifier.Stop()
	}
	if d.sessions != nil {
		d.sessions.Disconnect()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			log.Printf("[daemon] close history warning: %v", err)
		}
	}
	log.Printf("[daemon] shutdown complete")
	return nil
}
