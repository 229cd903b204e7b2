package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Warmer is the part of the snowfall service the scheduler drives.
type Warmer interface {
	Prefetch(ctx context.Context) error
	SweepCache() int
}

// Scheduler keeps the latest storm warm in the cache and evicts stale entries.
type Scheduler struct {
	scheduler *gocron.Scheduler
	target    Warmer
	interval  time.Duration
	timeout   time.Duration
}

// New creates a new Scheduler. timeout bounds one warm-up run.
func New(target Warmer, interval, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		target:    target,
		interval:  interval,
		timeout:   timeout,
	}
}

// Start schedules the periodic job and starts the underlying scheduler. The
// first run happens immediately.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		log.Println("INFO: scheduler: warm interval is 0; background refresh disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) run() {
	log.Println("INFO: scheduler: running cache warm job")

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.target.Prefetch(ctx); err != nil {
		log.Printf("ERROR: scheduler: prefetch latest storm failed: %v", err)
	}
	if n := s.target.SweepCache(); n > 0 {
		log.Printf("INFO: scheduler: evicted %d stale storms", n)
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
