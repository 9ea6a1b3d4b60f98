package service

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/recurrence"
)

// CreateRecurringInput carries the fields for a new recurring schedule.
type CreateRecurringInput struct {
	TaskID int64
	Type   models.RecurrenceType
	Config models.RecurrenceConfig
	// FirstOccurrence, when zero, is computed from now by the schedule.
	FirstOccurrence time.Time
}

// CreateRecurring attaches a schedule to a template task.
func (s *Service) CreateRecurring(ctx context.Context, scope *Scope, in *CreateRecurringInput) (*models.Recurrence, error) {
	if err := recurrence.ValidateConfig(in.Type, in.Config); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTask(ctx, in.TaskID, orgOf(scope)); err != nil {
		return nil, err
	}

	next := in.FirstOccurrence
	if next.IsZero() {
		next = recurrence.Next(in.Type, in.Config, time.Now().UTC())
	}
	rec := &models.Recurrence{
		TaskID:         in.TaskID,
		Type:           in.Type,
		Config:         in.Config,
		NextOccurrence: next,
		IsActive:       true,
	}
	if err := s.store.CreateRecurrence(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecurring returns schedules, optionally only active ones.
func (s *Service) ListRecurring(ctx context.Context, activeOnly bool) ([]*models.Recurrence, error) {
	return s.store.ListRecurrences(ctx, activeOnly)
}

// SetRecurringActive pauses or resumes a schedule.
func (s *Service) SetRecurringActive(ctx context.Context, recurrenceID int64, active bool) error {
	return s.store.SetRecurrenceActive(ctx, recurrenceID, active)
}

// DeleteRecurring removes a schedule without touching its template task.
func (s *Service) DeleteRecurring(ctx context.Context, recurrenceID int64) error {
	return s.store.DeleteRecurrence(ctx, recurrenceID)
}

// CreateInstanceNow materializes a schedule on demand.
func (s *Service) CreateInstanceNow(ctx context.Context, recurrenceID int64) (*models.Task, error) {
	return s.mat.CreateInstanceNow(ctx, recurrenceID)
}
