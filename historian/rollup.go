package historian

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/scada-core/errs"
)

// align rounds ms down to a multiple of width.
func align(ms, width int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms / width * width
}

// Rollup30s aggregates complete 30 s buckets of raw samples older than 30 s
// into the 30 s tier, then purges raw rows past the raw retention. Buckets
// already rolled are recomputed only around the watermark; the upsert keeps
// reruns idempotent.
func (h *Historian) Rollup30s(ctx context.Context, now time.Time) (int64, error) {
	if h == nil {
		return 0, errs.New(errs.KindUnavailable, "historian", "Rollup30s", errs.ErrHistorianDown)
	}
	cutoff := align(now.Add(-30*time.Second).UnixMilli(), width30s)

	h.mu.Lock()
	start := h.mark30s - width30s
	h.mu.Unlock()

	bucket := h.d.bucket(width30s)
	query := fmt.Sprintf(`INSERT INTO samples_30s (point, ts, avg, min, max, count)
		SELECT point, %s AS bucket, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM samples_raw
		WHERE ts >= ? AND ts < ?
		GROUP BY point, %s
		%s`, bucket, bucket, h.d.upsert)

	n, err := h.exec(ctx, query, start, cutoff)
	if err != nil {
		return 0, errs.Transient("historian", "Rollup30s", fmt.Errorf("aggregate raw: %w", err))
	}

	h.mu.Lock()
	if cutoff > h.mark30s {
		h.mark30s = cutoff
	}
	h.mu.Unlock()
	h.metrics.RollupRows(Tier30s, n)

	if _, err := h.purge(ctx, TierRaw, now, h.retention.Raw, width30s); err != nil {
		return n, errs.Transient("historian", "Rollup30s", err)
	}
	if n > 0 {
		log.Debug("Rollup raw->30s: %d rows", n)
	}
	return n, nil
}

// Rollup5m folds complete 5 min buckets of the 30 s tier into the 5 min tier
// (average of averages, min of mins, max of maxes, sum of counts), then
// purges 30 s rows past the short retention.
func (h *Historian) Rollup5m(ctx context.Context, now time.Time) (int64, error) {
	if h == nil {
		return 0, errs.New(errs.KindUnavailable, "historian", "Rollup5m", errs.ErrHistorianDown)
	}
	cutoff := align(now.Add(-5*time.Minute).UnixMilli(), width5m)

	h.mu.Lock()
	start := h.mark5m - width5m
	h.mu.Unlock()

	bucket := h.d.bucket(width5m)
	query := fmt.Sprintf(`INSERT INTO samples_5m (point, ts, avg, min, max, count)
		SELECT point, %s AS bucket, AVG(avg), MIN(min), MAX(max), SUM(count)
		FROM samples_30s
		WHERE ts >= ? AND ts < ?
		GROUP BY point, %s
		%s`, bucket, bucket, h.d.upsert)

	n, err := h.exec(ctx, query, start, cutoff)
	if err != nil {
		return 0, errs.Transient("historian", "Rollup5m", fmt.Errorf("aggregate 30s: %w", err))
	}

	h.mu.Lock()
	if cutoff > h.mark5m {
		h.mark5m = cutoff
	}
	h.mu.Unlock()
	h.metrics.RollupRows(Tier5m, n)

	if _, err := h.purge(ctx, Tier30s, now, h.retention.Short, width5m); err != nil {
		return n, errs.Transient("historian", "Rollup5m", err)
	}
	if n > 0 {
		log.Debug("Rollup 30s->5m: %d rows", n)
	}
	return n, nil
}

// Purge applies every tier's retention ceiling and returns the rows removed.
func (h *Historian) Purge(ctx context.Context, now time.Time) (int64, error) {
	if h == nil {
		return 0, errs.New(errs.KindUnavailable, "historian", "Purge", errs.ErrHistorianDown)
	}
	var total int64
	for _, t := range []struct {
		tier  string
		keep  time.Duration
		width int64
	}{
		{TierRaw, h.retention.Raw, width30s},
		{Tier30s, h.retention.Short, width5m},
		{Tier5m, h.retention.Long, 1},
	} {
		n, err := h.purge(ctx, t.tier, now, t.keep, t.width)
		if err != nil {
			return total, errs.Transient("historian", "Purge", err)
		}
		total += n
	}
	if total > 0 {
		log.Info("Retention purge removed %d rows", total)
	}
	return total, nil
}

// purge deletes rows of tier older than keep. The cutoff is aligned to the
// width of the next tier's buckets so a bucket is never left half purged.
func (h *Historian) purge(ctx context.Context, tier string, now time.Time, keep time.Duration, width int64) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	cutoff := align(now.Add(-keep).UnixMilli(), width)
	n, err := h.exec(ctx, "DELETE FROM "+tables[tier]+" WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", tier, err)
	}
	h.metrics.PurgedRows(tier, n)
	return n, nil
}

func (h *Historian) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := h.db.ExecContext(ctx, h.d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	// some drivers cannot report affected rows; the statement still ran
	n, _ := res.RowsAffected()
	return n, nil
}
