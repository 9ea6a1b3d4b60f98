package store

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

func TestOrganizationAndProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if org.ID == 0 {
		t.Fatal("expected org id")
	}

	bySlug, err := s.GetOrganizationBySlug(ctx, "acme")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if bySlug.ID != org.ID {
		t.Errorf("slug lookup = %d", bySlug.ID)
	}

	project := &models.Project{OrganizationID: org.ID, Name: "backend", LocalPath: "/srv/backend"}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := s.GetProject(ctx, project.ID, org.ID); err != nil {
		t.Fatalf("get project: %v", err)
	}
	if _, err := s.GetProject(ctx, project.ID, org.ID+1); !apperrors.IsNotFound(err) {
		t.Fatalf("cross-org project get should report not found, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatal(err)
	}
	project := &models.Project{OrganizationID: org.ID, Name: "backend"}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}

	key := &models.APIKey{
		ProjectID:      project.ID,
		OrganizationID: org.ID,
		Name:           "ci",
		KeyHash:        "deadbeef",
		KeyPrefix:      "dk_abcd",
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	found, err := s.GetAPIKeyByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.OrganizationID != org.ID {
		t.Errorf("key org = %d", found.OrganizationID)
	}

	if err := s.RevokeAPIKey(ctx, key.ID, org.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "deadbeef"); !apperrors.IsCode(err, apperrors.ErrCodeUnauthorized) {
		t.Fatalf("revoked key must not authenticate, got %v", err)
	}

	keys, err := s.ListAPIKeys(ctx, project.ID, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Enabled {
		t.Errorf("keys = %+v, revoked key should stay listed but disabled", keys)
	}
}

func TestRolesAndPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatal(err)
	}

	reader := &models.Role{OrganizationID: org.ID, Name: "reader", Permissions: []string{"read:*"}}
	writer := &models.Role{OrganizationID: org.ID, Name: "writer", Permissions: []string{"write:tasks", "read:*"}}
	for _, role := range []*models.Role{reader, writer} {
		if err := s.CreateRole(ctx, role); err != nil {
			t.Fatalf("create role: %v", err)
		}
	}

	membership := &models.Membership{
		OrganizationID: org.ID,
		UserID:         "user-7",
		RoleIDs:        []int64{reader.ID, writer.ID},
	}
	if err := s.CreateMembership(ctx, membership); err != nil {
		t.Fatalf("create membership: %v", err)
	}

	perms, err := s.MemberPermissions(ctx, org.ID, "user-7")
	if err != nil {
		t.Fatalf("member permissions: %v", err)
	}
	// Duplicates across roles collapse.
	if len(perms) != 2 {
		t.Errorf("permissions = %v, want deduplicated union", perms)
	}
}

func TestRecurrenceStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	template := mustCreateTask(t, s, &models.Task{Title: "daily standup notes"})
	dow := 2
	rec := &models.Recurrence{
		TaskID:         template.ID,
		Type:           models.RecurrenceWeekly,
		Config:         models.RecurrenceConfig{DayOfWeek: &dow},
		NextOccurrence: time.Now().UTC().Add(-time.Hour),
		IsActive:       true,
	}
	if err := s.CreateRecurrence(ctx, rec); err != nil {
		t.Fatalf("create recurrence: %v", err)
	}

	due, err := s.DueRecurrences(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if due[0].Config.DayOfWeek == nil || *due[0].Config.DayOfWeek != 2 {
		t.Errorf("config round-trip = %+v", due[0].Config)
	}

	next := time.Now().UTC().Add(7 * 24 * time.Hour)
	if err := s.MarkMaterialized(ctx, rec.ID, next); err != nil {
		t.Fatalf("mark materialized: %v", err)
	}
	due, _ = s.DueRecurrences(ctx, time.Now().UTC())
	if len(due) != 0 {
		t.Error("advanced schedule must not be due")
	}

	if err := s.SetRecurrenceActive(ctx, rec.ID, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecurrence(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("schedule should be paused")
	}
	if got.LastOccurrenceCreated == nil {
		t.Error("last_occurrence_created should be set after materialization")
	}
}

func TestTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "tagged"})
	if _, err := s.TagTask(ctx, task.ID, 0, "infra"); err != nil {
		t.Fatalf("tag: %v", err)
	}
	// Re-tagging is a no-op, not an error.
	if _, err := s.TagTask(ctx, task.ID, 0, "infra"); err != nil {
		t.Fatalf("repeat tag: %v", err)
	}

	tags, err := s.TaskTags(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != "infra" {
		t.Errorf("tags = %+v", tags)
	}

	tasks, err := s.TasksByTag(ctx, 0, "infra", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("tasks by tag = %+v", tasks)
	}

	if err := s.UntagTask(ctx, task.ID, 0, "infra"); err != nil {
		t.Fatalf("untag: %v", err)
	}
	tags, _ = s.TaskTags(ctx, task.ID)
	if len(tags) != 0 {
		t.Errorf("tags after untag = %+v", tags)
	}
}

func TestTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &models.Template{
		Name:            "bugfix",
		Title:           "Fix: ",
		TaskType:        models.TaskTypeConcrete,
		TaskInstruction: "Reproduce, fix, add a regression test.",
		Priority:        models.PriorityHigh,
	}
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	got, err := s.GetTemplate(ctx, tpl.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("template = %+v", got)
	}

	if err := s.DeleteTemplate(ctx, tpl.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTemplate(ctx, tpl.ID, 0); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "discussed"})
	root := &models.Comment{TaskID: task.ID, AuthorID: "alice", Content: "looks odd", Mentions: []string{"bob"}}
	if err := s.AddComment(ctx, 0, root); err != nil {
		t.Fatalf("add comment: %v", err)
	}

	reply := &models.Comment{TaskID: task.ID, AuthorID: "bob", ParentCommentID: &root.ID, Content: "agreed"}
	if err := s.AddComment(ctx, 0, reply); err != nil {
		t.Fatalf("add reply: %v", err)
	}

	bogus := int64(9999)
	err := s.AddComment(ctx, 0, &models.Comment{TaskID: task.ID, AuthorID: "eve", ParentCommentID: &bogus, Content: "?"})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("reply to missing parent should fail, got %v", err)
	}

	comments, err := s.ListComments(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d", len(comments))
	}
	if len(comments[0].Mentions) != 1 || comments[0].Mentions[0] != "bob" {
		t.Errorf("mentions = %v", comments[0].Mentions)
	}
}
