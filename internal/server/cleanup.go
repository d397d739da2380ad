package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	cleanupBatch      = 500
	cleanupMaxBatches = 20
)

// cronParser accepts five-field expressions and descriptors like "@every 1h".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunCleanup deletes files that are expired or have used all downloads.
// Rows that fail to delete come back in the next batch; they are skipped so
// one run terminates.
func RunCleanup(ctx context.Context, files FileRepository, rc *Reconciler, now time.Time, log *zap.Logger) (DeleteReport, error) {
	start := time.Now()
	report := newDeleteReport()
	seen := make(map[uuid.UUID]struct{})

	for batch := 0; batch < cleanupMaxBatches; batch++ {
		ids, err := files.ListExhausted(ctx, now, cleanupBatch)
		if err != nil {
			return report, fmt.Errorf("cleanup: %w", err)
		}

		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh = append(fresh, id.String())
		}
		if len(fresh) == 0 {
			break
		}

		report.Merge(rc.Delete(ctx, fresh))
		if len(ids) < cleanupBatch {
			break
		}
	}

	cleanupRuns.Inc()
	log.Info("cleanup_complete",
		zap.Int("deleted", len(report.Success)),
		zap.Int("failed_db", len(report.FailedDB)),
		zap.Int("failed_oci", len(report.FailedOCI)),
		zap.Int("failed_both", len(report.FailedBoth)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return report, nil
}

// RunCleanup runs one cleanup pass with the server's backends.
func (s *Server) RunCleanup(ctx context.Context) (DeleteReport, error) {
	return RunCleanup(ctx, s.repo, s.reconciler, s.now(), s.log)
}

// StartCleanupScheduler runs task on the cron schedule until ctx is
// cancelled or stop is called. Runs never overlap. stop blocks until a run in
// progress has returned and may be called more than once.
func StartCleanupScheduler(ctx context.Context, spec string, log *zap.Logger, task func(context.Context)) (stop func(), err error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", spec, err)
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { task(ctx) }))
	c.Start()
	log.Info("cleanup_scheduled", zap.String("schedule", spec))

	var once sync.Once
	stopped := make(chan struct{})
	stop = func() {
		once.Do(func() {
			<-c.Stop().Done()
			close(stopped)
			log.Info("cleanup_stopped")
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()
	return stop, nil
}
