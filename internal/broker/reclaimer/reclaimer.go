// Package reclaimer recovers leases abandoned by crashed or stalled agents.
package reclaimer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Reclaimer periodically releases leases held longer than the task timeout.
type Reclaimer struct {
	store        *store.Store
	bus          bus.EventBus
	logger       *logger.Logger
	period       time.Duration
	timeoutHours int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a reclaimer. The bus may be nil in tests.
func New(s *store.Store, eventBus bus.EventBus, log *logger.Logger, period time.Duration, timeoutHours int) *Reclaimer {
	return &Reclaimer{
		store:        s,
		bus:          eventBus,
		logger:       log,
		period:       period,
		timeoutHours: timeoutHours,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the reclaim loop.
func (r *Reclaimer) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("stale lease reclaimer started",
		zap.Duration("period", r.period),
		zap.Int("timeout_hours", r.timeoutHours))
}

// Stop signals the loop to exit and waits for it.
func (r *Reclaimer) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reclaimer) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("reclaimer stopping due to stop signal")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reclaim sweep. A panic in the sweep is logged and
// swallowed so one bad pass cannot kill the loop.
func (r *Reclaimer) RunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reclaimer sweep panicked", zap.Any("panic", rec))
		}
	}()

	reclaimed, err := r.store.ReclaimStale(ctx, r.timeoutHours)
	if err != nil {
		r.logger.Error("reclaim sweep failed", zap.Error(err))
		return
	}
	if len(reclaimed) == 0 {
		return
	}

	for _, lease := range reclaimed {
		r.logger.Info("reclaimed stale lease",
			zap.Int64("task_id", lease.Task.ID),
			zap.String("previous_agent", lease.PreviousAgent))
		r.publish(ctx, lease)
	}
}

func (r *Reclaimer) publish(ctx context.Context, lease *store.ReclaimedLease) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(events.TaskReclaimed, "reclaimer", map[string]interface{}{
		"task_id":        lease.Task.ID,
		"previous_agent": lease.PreviousAgent,
		"task_status":    lease.Task.TaskStatus,
	})
	if err := r.bus.Publish(ctx, events.BuildTaskSubject(events.TaskReclaimed, lease.Task.ID), event); err != nil {
		r.logger.Warn("failed to publish reclaim event", zap.Error(err))
	}
}
