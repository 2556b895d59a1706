package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/splitledger/internal/remote"
)

// Drainer runs one drain of the operation log. *Executor implements it.
type Drainer interface {
	ProcessAll(ctx context.Context) (DrainReport, error)
}

// NetworkProbe reports whether the remote is worth trying.
type NetworkProbe interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to NetworkProbe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline never gates a periodic drain.
var AlwaysOnline NetworkProbe = ProbeFunc(func(context.Context) bool { return true })

// PingProbe treats a successful remote Ping as connectivity.
func PingProbe(client remote.Client, timeout time.Duration) NetworkProbe {
	return ProbeFunc(func(ctx context.Context) bool {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return client.Ping(ctx) == nil
	})
}

// SchedulerConfig holds the drain timings.
type SchedulerConfig struct {
	PollInterval   time.Duration // 0 disables periodic drains
	ManualDebounce time.Duration
}

// Scheduler owns the single drain worker. Triggers arriving while a drain is
// queued collapse into one.
type Scheduler struct {
	drainer Drainer
	probe   NetworkProbe
	cfg     SchedulerConfig
	logger  *slog.Logger

	trigger chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

// NewScheduler creates a scheduler. A nil probe means always online.
func NewScheduler(drainer Drainer, probe NetworkProbe, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if probe == nil {
		probe = AlwaysOnline
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		drainer: drainer,
		probe:   probe,
		cfg:     cfg,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a drain without blocking. It is called after every local
// write and when connectivity returns.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RequestManual requests a drain on behalf of a user action. Repeated requests
// within the debounce window produce one drain.
func (s *Scheduler) RequestManual() {
	if s.cfg.ManualDebounce <= 0 {
		s.Trigger()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.ManualDebounce, s.Trigger)
}

// Run drains on every trigger and on each poll tick while online. It returns
// when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.PollInterval > 0 {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer s.stopDebounce()

	s.logger.Info("Scheduler started", "poll_interval", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-s.trigger:
			s.run(ctx, "trigger")
		case <-tick:
			if !s.probe.Online(ctx) {
				s.logger.Debug("Offline, skipping periodic drain")
				continue
			}
			s.run(ctx, "poll")
		}
	}
}

func (s *Scheduler) run(ctx context.Context, reason string) {
	report, err := s.drainer.ProcessAll(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		s.logger.Error("Drain failed", "reason", reason, "error", err)
		return
	}

	s.logger.Debug("Drain done",
		"reason", reason,
		"applied", report.Applied,
		"dead_lettered", report.DeadLettered,
	)
}

func (s *Scheduler) stopDebounce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
}
