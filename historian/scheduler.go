package historian

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/point"
)

// Schedule holds the periods of the historian jobs. A zero period disables
// the job.
type Schedule struct {
	Sample    time.Duration
	Rollup30s time.Duration
	Rollup5m  time.Duration
	Retention time.Duration
}

// ScheduleFrom reads the job periods from the configuration.
func ScheduleFrom(cfg config.HistorianConfig) Schedule {
	return Schedule{
		Sample:    cfg.SampleInterval,
		Rollup30s: cfg.Rollup30sInterval,
		Rollup5m:  cfg.Rollup5mInterval,
		Retention: cfg.RetentionInterval,
	}
}

// Source returns the points to consider for sampling.
type Source func() []point.Point

// Run drives sampling, both rollups and retention on independent tickers
// until ctx is cancelled. Job failures are logged and the job keeps running.
func (h *Historian) Run(ctx context.Context, s Schedule, src Source) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, s.Sample, "sample", func(now time.Time) error {
			_, err := h.Sample(ctx, src(), now)
			return err
		})
	})
	g.Go(func() error {
		return every(ctx, s.Rollup30s, "rollup 30s", func(now time.Time) error {
			_, err := h.Rollup30s(ctx, now)
			return err
		})
	})
	g.Go(func() error {
		return every(ctx, s.Rollup5m, "rollup 5m", func(now time.Time) error {
			_, err := h.Rollup5m(ctx, now)
			return err
		})
	})
	g.Go(func() error {
		return every(ctx, s.Retention, "retention", func(now time.Time) error {
			_, err := h.Purge(ctx, now)
			return err
		})
	})

	log.Info("Historian jobs started (sample %v, rollups %v/%v, retention %v)",
		s.Sample, s.Rollup30s, s.Rollup5m, s.Retention)
	return g.Wait()
}

func every(ctx context.Context, period time.Duration, name string, job func(time.Time) error) error {
	if period <= 0 {
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := job(now); err != nil {
				log.Error("Historian %s failed: %v", name, err)
			}
		}
	}
}
