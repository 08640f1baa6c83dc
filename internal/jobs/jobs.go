// Package jobs runs the daemon's periodic background work on a gocron
// scheduler: probing the backend session and refreshing the watchlist
// mirror.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/platform/run"
)

const (
	JobSessionProbe     = "session-probe"
	JobWatchlistRefresh = "watchlist-refresh"

	defaultJobTimeout = 30 * time.Second
)

type Sessions interface {
	CheckAuth(ctx context.Context) *domain.User
	CurrentUser() *domain.User
}

type Watchlist interface {
	FetchAll(ctx context.Context) ([]domain.WatchlistItem, error)
}

// Config holds job intervals. A zero interval disables the job.
type Config struct {
	SessionProbeInterval     time.Duration
	WatchlistRefreshInterval time.Duration
	// Timeout bounds a single run; zero means 30s.
	Timeout time.Duration
}

type Scheduler struct {
	s         *gocron.Scheduler
	sessions  Sessions
	watchlist Watchlist
	timeout   time.Duration
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New schedules the enabled jobs. Nothing runs until Start.
func New(cfg Config, sessions Sessions, wl Watchlist, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		s:         gocron.NewScheduler(time.UTC),
		sessions:  sessions,
		watchlist: wl,
		timeout:   cfg.Timeout,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.s.SingletonModeAll()

	if err := s.schedule(JobSessionProbe, cfg.SessionProbeInterval, s.ProbeSession); err != nil {
		cancel()
		return nil, err
	}
	if err := s.schedule(JobWatchlistRefresh, cfg.WatchlistRefreshInterval, s.RefreshWatchlist); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) schedule(name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		s.log.Info("job disabled", zap.String("job", name))
		return nil
	}
	s.log.Info("scheduling job", zap.String("job", name), zap.Duration("interval", interval))
	_, err := s.s.Every(interval).WaitForSchedule().Tag(name).Do(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		fn(ctx)
	})
	return err
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return s.s.Len() }

// ProbeSession asks the backend whether the session is still valid.
// The session manager clears it on a definite rejection.
func (s *Scheduler) ProbeSession(ctx context.Context) {
	had := s.sessions.CurrentUser() != nil
	if u := s.sessions.CheckAuth(ctx); u == nil && had {
		s.log.Info("session probe found no session")
	}
}

// RefreshWatchlist reloads the mirror when someone is signed in.
func (s *Scheduler) RefreshWatchlist(ctx context.Context) {
	if s.sessions.CurrentUser() == nil {
		return
	}
	items, err := s.watchlist.FetchAll(ctx)
	if err != nil {
		s.log.Warn("watchlist refresh failed", zap.Error(err))
		return
	}
	s.log.Debug("watchlist refreshed", zap.Int("items", len(items)))
}

func (s *Scheduler) Start() {
	s.log.Info("starting background job scheduler", zap.Int("jobs", s.Len()))
	s.s.StartAsync()
}

// Stop cancels running jobs and stops the scheduler. It is safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.s.Stop()
	})
}

func (s *Scheduler) Task() run.Task {
	return run.Task{
		Name: "jobs",
		Start: func(ctx context.Context) error {
			s.Start()
			<-ctx.Done()
			return nil
		},
		Stop: func(context.Context) error {
			s.Stop()
			return nil
		},
	}
}
