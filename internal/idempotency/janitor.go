package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor purges expired records on a cron schedule.
type Janitor struct {
	cron   *cron.Cron
	purger Purger
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor registers a purge of p at schedule, e.g. "@hourly" or "*/15 * * * *".
func NewJanitor(p Purger, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	j := &Janitor{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		purger: p,
		logger: logger.With(slog.String("component", "idempotency_janitor")),
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.purger.Purge(ctx, j.now())
	if err != nil {
		j.logger.Warn("purge failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		j.logger.Info("expired records purged", slog.Int("count", n))
	}
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule; the returned context is done once a running purge finishes.
func (j *Janitor) Stop() context.Context { return j.cron.Stop() }
