package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// Scheduler re-runs ingestion on a cron schedule. A coarse ticker polls the
// schedule; precision beyond a minute is not needed for document refresh.
type Scheduler struct {
	runner   *Runner
	cronSpec string
	logger   *log.Logger

	mu      sync.Mutex
	lastRun *time.Time
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(runner *Runner, cronSpec string, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		runner:   runner,
		cronSpec: cronSpec,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Call Stop to shut it down.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	if !isDue(s.cronSpec, last, now) {
		return
	}
	s.logger.Printf("refresh due (cron %q), running ingestion", s.cronSpec)
	n := s.runner.RunOnce(context.Background())
	s.logger.Printf("refresh done, %d sources ingested", n)

	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()
}

// isDue reports whether a refresh should run now given the last run time.
// Supports "@daily", "@hourly", and standard 5-field cron expressions; an
// unparseable expression degrades to daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "", "@never":
		return false
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
