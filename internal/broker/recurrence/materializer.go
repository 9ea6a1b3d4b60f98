package recurrence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Materializer periodically turns due schedules into fresh task instances.
type Materializer struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
	period time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMaterializer creates a materializer. The bus may be nil in tests.
func NewMaterializer(s *store.Store, eventBus bus.EventBus, log *logger.Logger, period time.Duration) *Materializer {
	return &Materializer{
		store:  s,
		bus:    eventBus,
		logger: log,
		period: period,
		stopCh: make(chan struct{}),
	}
}

// Start launches the materializer loop.
func (m *Materializer) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("recurrence materializer started", zap.Duration("period", m.period))
}

// Stop signals the loop to exit and waits for it.
func (m *Materializer) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Materializer) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("materializer stopping due to context cancellation")
			return
		case <-m.stopCh:
			m.logger.Info("materializer stopping due to stop signal")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce materializes every due schedule. One instance is created per
// schedule per sweep; occurrences missed during downtime are skipped.
func (m *Materializer) RunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("materializer sweep panicked", zap.Any("panic", rec))
		}
	}()

	now := time.Now().UTC()
	due, err := m.store.DueRecurrences(ctx, now)
	if err != nil {
		m.logger.Error("failed to list due recurrences", zap.Error(err))
		return
	}

	for _, rec := range due {
		instance, err := m.Materialize(ctx, rec, now)
		if err != nil {
			m.logger.Error("failed to materialize recurrence",
				zap.Int64("recurrence_id", rec.ID),
				zap.Error(err))
			continue
		}
		m.logger.Info("materialized recurring task",
			zap.Int64("recurrence_id", rec.ID),
			zap.Int64("template_task_id", rec.TaskID),
			zap.Int64("instance_task_id", instance.ID))
	}
}

// Materialize creates one instance from a schedule and advances its next
// occurrence past now.
func (m *Materializer) Materialize(ctx context.Context, rec *models.Recurrence, now time.Time) (*models.Task, error) {
	template, err := m.store.GetTask(ctx, rec.TaskID, 0)
	if err != nil {
		return nil, fmt.Errorf("load template task: %w", err)
	}

	// Content fields are cloned verbatim; only lifecycle state and the
	// timestamps are fresh.
	instance := &models.Task{
		ProjectID:               template.ProjectID,
		OrganizationID:          template.OrganizationID,
		Title:                   template.Title,
		TaskType:                template.TaskType,
		TaskInstruction:         template.TaskInstruction,
		VerificationInstruction: template.VerificationInstruction,
		Notes:                   template.Notes,
		Priority:                template.Priority,
		EstimatedHours:          template.EstimatedHours,
		TaskStatus:              models.TaskStatusAvailable,
	}
	if err := m.store.CreateTask(ctx, instance, models.SystemAgent); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	next := NextAfter(rec.Type, rec.Config, rec.NextOccurrence, now)
	if err := m.store.MarkMaterialized(ctx, rec.ID, next); err != nil {
		return nil, fmt.Errorf("advance schedule: %w", err)
	}

	m.publish(ctx, rec, instance)
	return instance, nil
}

// CreateInstanceNow materializes a schedule on demand without waiting for its
// next occurrence. The schedule still advances.
func (m *Materializer) CreateInstanceNow(ctx context.Context, recurrenceID int64) (*models.Task, error) {
	rec, err := m.store.GetRecurrence(ctx, recurrenceID)
	if err != nil {
		return nil, err
	}
	return m.Materialize(ctx, rec, time.Now().UTC())
}

func (m *Materializer) publish(ctx context.Context, rec *models.Recurrence, instance *models.Task) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(events.RecurrenceMaterialized, "materializer", map[string]interface{}{
		"recurrence_id":    rec.ID,
		"template_task_id": rec.TaskID,
		"instance_task_id": instance.ID,
	})
	if err := m.bus.Publish(ctx, events.BuildTaskSubject(events.RecurrenceMaterialized, instance.ID), event); err != nil {
		m.logger.Warn("failed to publish materialization event", zap.Error(err))
	}
}
