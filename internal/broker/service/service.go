// Package service implements the broker facade called by the REST and MCP
// transports. It validates inputs, resolves tenant scope, dispatches to the
// store, and publishes lifecycle events. No SQL lives here.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/recurrence"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/broker/tenant"
	"github.com/dispatchd/dispatchd/internal/common/config"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

// Scope is the tenant context resolved from a caller credential. The zero
// value is the unscoped single-tenant mode used by local deployments and
// tests.
type Scope struct {
	OrgID     int64
	ProjectID int64
	KeyID     int64
}

// Service is the broker facade shared by all transports.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
	cfg    config.BrokerConfig
	mat    *recurrence.Materializer
}

// New creates a service. The bus may be nil, in which case events are dropped.
func New(s *store.Store, eventBus bus.EventBus, log *logger.Logger, cfg config.BrokerConfig) *Service {
	return &Service{
		store:  s,
		bus:    eventBus,
		logger: log,
		cfg:    cfg,
		mat:    recurrence.NewMaterializer(s, eventBus, log, cfg.RecurrencePeriod()),
	}
}

// Store exposes the underlying store for wiring background loops.
func (s *Service) Store() *store.Store { return s.store }

// Authenticate resolves an API key token to a tenant scope and records key
// usage. Unknown and disabled tokens fail identically.
func (s *Service) Authenticate(ctx context.Context, token string) (*Scope, error) {
	if !tenant.ValidTokenShape(token) {
		return nil, apperrors.Unauthorized("invalid API key")
	}
	key, err := s.store.GetAPIKeyByHash(ctx, tenant.HashToken(token))
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchAPIKey(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record api key usage", zap.Int64("key_id", key.ID), zap.Error(err))
	}
	return &Scope{OrgID: key.OrganizationID, ProjectID: key.ProjectID, KeyID: key.ID}, nil
}

// clampLimit applies the default and ceiling query limits.
func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultQueryLimit
	}
	if limit > s.cfg.MaxQueryLimit {
		return s.cfg.MaxQueryLimit
	}
	return limit
}

func (s *Service) publishTaskEvent(ctx context.Context, eventType string, taskID int64, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "broker", data)
	if err := s.bus.Publish(ctx, events.BuildTaskSubject(eventType, taskID), event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Int64("task_id", taskID),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "broker", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func orgOf(scope *Scope) int64 {
	if scope == nil {
		return 0
	}
	return scope.OrgID
}

// requireAgent rejects operations that need a caller identity.
func requireAgent(agentID string) error {
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "is required")
	}
	return nil
}

func validTaskType(t models.TaskType) error {
	if !t.Valid() {
		return apperrors.ValidationError("task_type", "must be one of: concrete, abstract, epic")
	}
	return nil
}

func validPriority(p models.Priority) error {
	if !p.Valid() {
		return apperrors.ValidationError("priority", "must be one of: low, medium, high, critical")
	}
	return nil
}
