package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/common/config"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.db")

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)

	cfg := config.BrokerConfig{
		TaskTimeoutHours:        24,
		ReclaimerPeriodSeconds:  60,
		RecurrencePeriodSeconds: 60,
		DefaultQueryLimit:       100,
		MaxQueryLimit:           1000,
	}
	return New(st, nil, logger.Default(), cfg)
}

func TestCreateTaskValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: ""})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	_, err = svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "x", TaskType: "gigantic"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "defaults apply"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeConcrete, task.TaskType)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, models.TaskStatusAvailable, task.TaskStatus)
}

func TestReserveCompleteFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "ship it", CreatedBy: "planner"})
	require.NoError(t, err)

	reserved, err := svc.Reserve(ctx, nil, task.ID, "agent-1")
	require.NoError(t, err)
	assert.False(t, reserved.ForVerification)
	assert.Equal(t, models.TaskStatusInProgress, reserved.Task.TaskStatus)
	assert.Nil(t, reserved.StaleWarning)

	// Second agent is refused with the holder named.
	_, err = svc.Reserve(ctx, nil, task.ID, "agent-2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotReservable))
	assert.Contains(t, err.Error(), "agent-1")

	hours := 1.5
	out, err := svc.Complete(ctx, nil, task.ID, &CompleteInput{AgentID: "agent-1", Notes: "done", ActualHours: &hours})
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Equal(t, models.TaskStatusComplete, out.Task.TaskStatus)
	assert.Equal(t, models.VerificationUnverified, out.Task.VerificationStatus)

	// Completing made the task reservable again as a verification lease.
	verifLease, err := svc.Reserve(ctx, nil, task.ID, "agent-2")
	require.NoError(t, err)
	assert.True(t, verifLease.ForVerification)

	verified, err := svc.Complete(ctx, nil, task.ID, &CompleteInput{AgentID: "agent-2", Notes: "checks out"})
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.Equal(t, models.VerificationVerified, verified.Task.VerificationStatus)
}

func TestCompleteWithFollowup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "migrate schema", Priority: models.PriorityHigh})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, nil, task.ID, "agent-1")
	require.NoError(t, err)

	out, err := svc.Complete(ctx, nil, task.ID, &CompleteInput{
		AgentID:  "agent-1",
		Followup: "clean up the old tables once traffic drains",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Followup)
	assert.Equal(t, "Follow-up: migrate schema", out.Followup.Title)
	assert.Equal(t, models.PriorityHigh, out.Followup.Priority)
	assert.Equal(t, models.TaskStatusAvailable, out.Followup.TaskStatus)

	related, err := svc.ListRelated(ctx, nil, task.ID)
	require.NoError(t, err)
	require.Len(t, related.Relationships, 1)
	assert.Equal(t, models.RelationshipFollowup, related.Relationships[0].Type)
	assert.Equal(t, out.Followup.ID, related.Relationships[0].ChildTaskID)
}

func TestReserveNextOrdersByPriority(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "low", Priority: models.PriorityLow})
	require.NoError(t, err)
	critical, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "critical", Priority: models.PriorityCritical})
	require.NoError(t, err)

	reserved, err := svc.ReserveNext(ctx, nil, models.AgentTypeImplementation, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, critical.ID, reserved.Task.ID)

	_, err = svc.ReserveNext(ctx, nil, "gardening", nil, "agent-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestReserveNextExhausted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ReserveNext(ctx, nil, models.AgentTypeImplementation, nil, "agent-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateTaskStatusTransition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "t"})
	require.NoError(t, err)

	cancelled := models.TaskStatusCancelled
	_, err = svc.UpdateTask(ctx, nil, task.ID, &UpdateTaskInput{TaskStatus: &cancelled, AgentID: "admin"})
	require.NoError(t, err)

	// cancelled -> complete is not a legal transition, and the refusal names
	// the task.
	complete := models.TaskStatusComplete
	_, err = svc.UpdateTask(ctx, nil, task.ID, &UpdateTaskInput{TaskStatus: &complete, AgentID: "admin"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	assert.Contains(t, err.Error(), "cancelled")
}

func TestQueryTasksOrderByValidated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.QueryTasks(ctx, nil, &store.TaskFilter{OrderBy: "alphabetical"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	_, err = svc.QueryTasks(ctx, nil, &store.TaskFilter{OrderBy: "priority"})
	assert.NoError(t, err)
}

func TestCrossTenantProbeIsNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	orgA, err := svc.CreateOrganization(ctx, &models.Organization{Name: "A", Slug: "a"})
	require.NoError(t, err)
	orgB, err := svc.CreateOrganization(ctx, &models.Organization{Name: "B", Slug: "b"})
	require.NoError(t, err)

	projectA, err := svc.CreateProject(ctx, &Scope{OrgID: orgA.ID}, &models.Project{Name: "proj-a"})
	require.NoError(t, err)

	task, err := svc.CreateTask(ctx, &Scope{OrgID: orgA.ID, ProjectID: projectA.ID}, &CreateTaskInput{Title: "secret"})
	require.NoError(t, err)

	_, err = svc.GetTask(ctx, &Scope{OrgID: orgB.ID}, task.ID)
	assert.True(t, apperrors.IsNotFound(err), "cross-tenant probe must look like a missing id")

	got, err := svc.GetTask(ctx, &Scope{OrgID: orgA.ID}, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, &models.Organization{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)
	project, err := svc.CreateProject(ctx, &Scope{OrgID: org.ID}, &models.Project{Name: "widget"})
	require.NoError(t, err)

	created, err := svc.CreateAPIKey(ctx, &Scope{OrgID: org.ID}, project.ID, "ci")
	require.NoError(t, err)
	assert.Contains(t, created.Token, "dk_")

	scope, err := svc.Authenticate(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, org.ID, scope.OrgID)
	assert.Equal(t, project.ID, scope.ProjectID)

	_, err = svc.Authenticate(ctx, "dk_definitely-not-a-real-token-aaaaaaaaaaaaaa")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized))

	keys, err := svc.ListAPIKeys(ctx, &Scope{OrgID: org.ID}, project.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].KeyHash, "hash must not leak through listings")
	assert.NotEmpty(t, keys[0].KeyPrefix)

	rotated, err := svc.RotateAPIKey(ctx, &Scope{OrgID: org.ID}, created.Key.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Token, rotated.Token)

	_, err = svc.Authenticate(ctx, created.Token)
	assert.Error(t, err, "rotated-out token must stop working")
	_, err = svc.Authenticate(ctx, rotated.Token)
	assert.NoError(t, err)
}

func TestActivityFeed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "feedworthy"})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, nil, task.ID, "agent-1")
	require.NoError(t, err)
	_, err = svc.AddUpdate(ctx, nil, task.ID, "agent-1", models.UpdateTypeProgress, "started on the parser", nil)
	require.NoError(t, err)

	feed, err := svc.ActivityFeed(ctx, nil, task.ID, &FeedFilter{Limit: 50})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(feed), 3)
	assert.Equal(t, models.ChangeCreated, feed[0].Change.ChangeType)
	last := feed[len(feed)-1]
	assert.NotNil(t, last.Update)
	assert.Equal(t, "started on the parser", last.Update.Content)

	// Narrowed to one agent, the creation entry by the system drops out.
	mine, err := svc.ActivityFeed(ctx, nil, task.ID, &FeedFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.NotEmpty(t, mine)
	for _, entry := range mine {
		assert.Equal(t, "agent-1", entry.AgentID)
	}

	// A window in the future matches nothing.
	future := time.Now().UTC().Add(time.Hour)
	none, err := svc.ActivityFeed(ctx, nil, task.ID, &FeedFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)

	past := time.Now().UTC().Add(-time.Hour)
	windowed, err := svc.ActivityFeed(ctx, nil, task.ID, &FeedFilter{Since: &past})
	require.NoError(t, err)
	assert.Equal(t, len(feed), len(windowed))
}

func TestVersionDiffThroughService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "v1 title"})
	require.NoError(t, err)

	newTitle := "v2 title"
	high := models.PriorityHigh
	_, err = svc.UpdateTask(ctx, nil, task.ID, &UpdateTaskInput{Title: &newTitle, Priority: &high, AgentID: "editor"})
	require.NoError(t, err)

	latest, err := svc.LatestVersion(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	diff, err := svc.DiffVersions(ctx, nil, task.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, models.FieldChange{OldValue: "v1 title", NewValue: "v2 title"}, diff["title"])
	assert.Equal(t, models.FieldChange{OldValue: "medium", NewValue: "high"}, diff["priority"])
}

func TestCreateRecurringAndInstanceNow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	template, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "weekly triage", Notes: "check the roadmap first"})
	require.NoError(t, err)

	bad := 9
	_, err = svc.CreateRecurring(ctx, nil, &CreateRecurringInput{
		TaskID: template.ID,
		Type:   models.RecurrenceWeekly,
		Config: models.RecurrenceConfig{DayOfWeek: &bad},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))

	rec, err := svc.CreateRecurring(ctx, nil, &CreateRecurringInput{
		TaskID: template.ID,
		Type:   models.RecurrenceDaily,
	})
	require.NoError(t, err)
	assert.True(t, rec.NextOccurrence.After(time.Now().UTC()))

	instance, err := svc.CreateInstanceNow(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, template.ID, instance.ID)
	// Instances clone the template's content fields verbatim.
	assert.Equal(t, "weekly triage", instance.Title)
	assert.Equal(t, "check the roadmap first", instance.Notes)
	assert.Equal(t, models.TaskStatusAvailable, instance.TaskStatus)
}

func TestTagsAndTemplates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "taggable"})
	require.NoError(t, err)

	tag, err := svc.AssignTag(ctx, nil, task.ID, "  Backend ")
	require.NoError(t, err)
	assert.Equal(t, "backend", tag.Name, "tags are normalized")

	tags, err := svc.ListTaskTags(ctx, nil, task.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)

	tpl, err := svc.CreateTemplate(ctx, nil, &models.Template{
		Name:            "bugfix",
		Title:           "Fix: ",
		TaskInstruction: "reproduce, fix, add a regression test",
		Priority:        models.PriorityHigh,
	})
	require.NoError(t, err)

	created, err := svc.CreateTaskFromTemplate(ctx, nil, tpl.ID, "Fix: nil deref in parser", nil, "triage-bot")
	require.NoError(t, err)
	assert.Equal(t, "Fix: nil deref in parser", created.Title)
	assert.Equal(t, models.PriorityHigh, created.Priority)
	assert.Equal(t, "reproduce, fix, add a regression test", created.TaskInstruction)
}

func TestQueryLimitClamped(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, 100, svc.clampLimit(0))
	assert.Equal(t, 1000, svc.clampLimit(5000))
	assert.Equal(t, 7, svc.clampLimit(7))
}

func TestStaleWarningOnReserve(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, nil, &CreateTaskInput{Title: "abandoned once"})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, nil, task.ID, "agent-gone")
	require.NoError(t, err)

	// Timeout zero: the lease is immediately stale.
	reclaimed, err := svc.Store().ReclaimStale(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	reserved, err := svc.Reserve(ctx, nil, task.ID, "agent-next")
	require.NoError(t, err)
	require.NotNil(t, reserved.StaleWarning)
	assert.True(t, reserved.StaleWarning.IsStale)
	assert.Equal(t, "agent-gone", reserved.StaleWarning.PreviousAgent)
	assert.Contains(t, reserved.StaleWarning.StaleFinding, "unlocked due to timeout")
}
