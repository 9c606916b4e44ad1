package index

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Scheduler triggers periodic full rebuilds on a cron expression. When a
// Redis client is supplied, a lock keeps multiple replicas from rebuilding
// concurrently.
type Scheduler struct {
	Index  *Index
	Cron   string
	Rdb    *redis.Client
	Logger *log.Logger
	Stop   chan struct{}

	lastRun time.Time
}

// Start launches the scheduler loop. It polls once a minute and fires a
// rebuild whenever the cron expression says one is due.
func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[INDEX-SCHED] ", log.LstdFlags)
	}
	if s.Stop == nil {
		s.Stop = make(chan struct{})
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if s.Cron == "" || !s.isDue() {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "index:rebuild:lock", "1", 10*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "index:rebuild:lock")
	}
	s.lastRun = time.Now()
	if err := s.Index.Rebuild(ctx); err != nil {
		s.Logger.Printf("scheduled rebuild failed: %v", err)
	}
}

// isDue supports "@hourly", "@daily" and standard 5-field cron expressions.
func (s *Scheduler) isDue() bool {
	now := time.Now()
	switch s.Cron {
	case "@hourly":
		return s.lastRun.IsZero() || now.Sub(s.lastRun) >= time.Hour
	case "@daily":
		return s.lastRun.IsZero() || now.Sub(s.lastRun) >= 24*time.Hour
	default:
		expr, err := cronexpr.Parse(s.Cron)
		if err != nil {
			return false
		}
		if s.lastRun.IsZero() {
			return true
		}
		return !expr.Next(s.lastRun).After(now)
	}
}
