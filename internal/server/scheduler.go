package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	core "github.com/prospecthq/prospect/internal/agent/core"
	"github.com/prospecthq/prospect/internal/store"
	"github.com/prospecthq/prospect/session"
)

// Scheduler refreshes due watches by running their saved query through the
// agent in a throwaway session and persisting the resulting report.
type Scheduler struct {
	Store    *store.Store
	Sessions session.Store
	Rdb      *redis.Client
	Agent    Agent
	Logger   *log.Logger
	Interval time.Duration
	Stop     chan struct{}

	done chan struct{}
}

func (s *Scheduler) Start() {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	s.done = make(chan struct{})
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer close(s.done)
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

// Shutdown stops the refresh loop and waits for it to exit. In-flight watch
// refreshes run in their own goroutines and are not awaited.
func (s *Scheduler) Shutdown() {
	close(s.Stop)
	if s.done != nil {
		<-s.done
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	watches, err := s.Store.ListAllWatches(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Printf("list watches: %v", err)
		}
		return
	}
	for _, w := range watches {
		if !isDue(w.CronSpec, w.LastRunAt) {
			continue
		}

		// distributed lock to avoid duplicate refreshes across replicas
		if s.Rdb != nil {
			lockKey := "sched:lock:" + w.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		go s.refresh(ctx, w)
	}
}

func (s *Scheduler) refresh(ctx context.Context, w store.WatchRecord) {
	// jitter to avoid stampedes when many watches share a schedule
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)

	sess, err := s.Sessions.Create(ctx, w.UserID, "watch: "+w.Query, time.Hour)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Printf("watch %s: create session: %v", w.ID, err)
		}
		return
	}
	defer func() {
		s.Agent.EndSession(sess.ID)
		_ = s.Sessions.Delete(ctx, sess.ID)
	}()

	result, err := s.Agent.RunTurn(ctx, sess, w.Query)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Printf("watch %s: run: %v", w.ID, err)
		}
		return
	}
	if result.Terminal == core.NodeFinalReport && result.Report != nil {
		// keep a durable session row so the refreshed report stays browsable
		_ = s.Store.UpsertSession(ctx, store.SessionRecord{ID: sess.ID, UserID: w.UserID, Title: sess.Title})
		err := s.Store.SaveReport(ctx, store.ReportRecord{
			SessionID: sess.ID,
			Markdown:  result.Report.Markdown(),
			Caveat:    result.Report.Caveat,
		})
		if err != nil && s.Logger != nil {
			s.Logger.Printf("watch %s: save report: %v", w.ID, err)
		}
	}
	if err := s.Store.TouchWatch(ctx, w.ID, time.Now()); err != nil && s.Logger != nil {
		s.Logger.Printf("watch %s: touch: %v", w.ID, err)
	}
}

// isDue reports whether a watch with cronSpec should run now given its last
// run time. Supports "@daily", "@hourly" and 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
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
