package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// Run recovers and then runs the periodic loops until ctx is cancelled:
//
//	monitor     every PollInterval
//	retriever   every RetrieveInterval
//	collector   every CleanupInterval
//	resubmitter every ResubmitInterval
//	gauges      every GaugeInterval
//	compaction  every CompactInterval, when the store supports it
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Recover(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("recovery scan: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.monitor.Run(gctx, interval(o.cfg.PollInterval, 10*time.Second)) })
	g.Go(func() error { return o.retriever.Run(gctx, interval(o.cfg.RetrieveInterval, 15*time.Second)) })
	g.Go(func() error { return o.gc.Run(gctx, interval(o.cfg.CleanupInterval, time.Minute)) })
	g.Go(func() error {
		return every(gctx, "resubmitter", interval(o.cfg.ResubmitInterval, 10*time.Second), func(ctx context.Context) error {
			_, err := o.ResubmitOnce(ctx)
			return err
		})
	})
	g.Go(func() error {
		return every(gctx, "gauges", interval(o.cfg.GaugeInterval, 15*time.Second), o.UpdateGauges)
	})
	if c, ok := o.store.(storage.Compactor); ok && o.cfg.CompactInterval > 0 {
		g.Go(func() error { return every(gctx, "compaction", o.cfg.CompactInterval, c.Compact) })
	}

	log.Info("Orchestrator running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// UpdateGauges refreshes the jobs-by-state gauge.
func (o *Orchestrator) UpdateGauges(ctx context.Context) error {
	if o.metrics == nil {
		return nil
	}
	counts, err := o.Stats(ctx)
	if err != nil {
		return err
	}
	o.metrics.SetJobsByState(counts)
	return nil
}

type statser interface {
	Stats() map[types.JobState]int
}

// Stats counts jobs per state.
func (o *Orchestrator) Stats(ctx context.Context) (map[types.JobState]int, error) {
	if s, ok := o.store.(statser); ok {
		return s.Stats(), nil
	}
	jobs, err := o.store.ListByState(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.JobState]int, len(types.AllStates))
	for _, st := range types.AllStates {
		counts[st] = 0
	}
	for _, job := range jobs {
		counts[job.State]++
	}
	return counts, nil
}

func interval(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// every calls fn each tick until ctx ends. Errors are logged, not returned.
func every(ctx context.Context, name string, tick time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Loop stopped", "loop", name)
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error("Loop iteration failed", "loop", name, "error", err)
			}
		}
	}
}
