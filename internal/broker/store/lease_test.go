package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

func TestLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "work"})

	result, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if result.ForVerification {
		t.Error("fresh lock must not be a verification lease")
	}
	if result.Task.TaskStatus != models.TaskStatusInProgress {
		t.Errorf("status = %s", result.Task.TaskStatus)
	}
	if result.Task.AssignedAgent == nil || *result.Task.AssignedAgent != "agent-1" {
		t.Errorf("assigned = %v", result.Task.AssignedAgent)
	}
	if result.Task.StartedAt == nil {
		t.Error("started_at should be set on lock")
	}

	// Second agent is refused with the holder's identity.
	_, err = s.LockIfAvailable(ctx, task.ID, 0, "agent-2")
	if !apperrors.IsCode(err, apperrors.ErrCodeNotReservable) {
		t.Fatalf("expected not_reservable, got %v", err)
	}
	if !strings.Contains(err.Error(), "agent-1") {
		t.Errorf("refusal should name the holder: %v", err)
	}

	// Only the holder can unlock.
	if _, err := s.UnlockIfOwner(ctx, task.ID, 0, "agent-2"); !apperrors.IsCode(err, apperrors.ErrCodeNotAssigned) {
		t.Fatalf("expected not_assigned, got %v", err)
	}
	unlocked, err := s.UnlockIfOwner(ctx, task.ID, 0, "agent-1")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.TaskStatus != models.TaskStatusAvailable {
		t.Errorf("status after unlock = %s", unlocked.TaskStatus)
	}
	if unlocked.AssignedAgent != nil {
		t.Error("unlock must clear assignment")
	}
	if unlocked.StartedAt == nil {
		t.Fatal("started_at must survive an unlock")
	}
	firstStart := *unlocked.StartedAt

	// Agent-2 can take it; the original started_at is kept so elapsed time
	// spans the whole effort, not just the last holder's.
	relock, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-2")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if relock.Task.StartedAt == nil || !relock.Task.StartedAt.Equal(firstStart) {
		t.Errorf("re-reservation changed started_at: %v != %v", relock.Task.StartedAt, firstStart)
	}
}

func TestCompleteAndVerificationLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "verify me"})
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	hours := 2.5
	result, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "done", &hours)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Verified {
		t.Error("first completion is not a verification")
	}
	if result.Task.TaskStatus != models.TaskStatusComplete || result.Task.VerificationStatus != models.VerificationUnverified {
		t.Errorf("task = %s/%s", result.Task.TaskStatus, result.Task.VerificationStatus)
	}
	if result.Task.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}
	if result.Task.ActualHours == nil || *result.Task.ActualHours != 2.5 {
		t.Errorf("actual_hours = %v", result.Task.ActualHours)
	}
	firstCompleted := *result.Task.CompletedAt

	// Complete-but-unverified tasks take a verification lease.
	lock, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-2")
	if err != nil {
		t.Fatalf("verification lock: %v", err)
	}
	if !lock.ForVerification {
		t.Fatal("expected a verification lease")
	}
	if lock.Task.CompletedAt == nil || !lock.Task.CompletedAt.Equal(firstCompleted) {
		t.Error("verification lease must keep the original completed_at")
	}

	// Completing the verification lease verifies the task.
	result, err = s.CompleteIfOwner(ctx, task.ID, 0, "agent-2", "looks good", nil)
	if err != nil {
		t.Fatalf("verify complete: %v", err)
	}
	if !result.Verified {
		t.Fatal("expected verification outcome")
	}
	if result.Task.VerificationStatus != models.VerificationVerified {
		t.Errorf("verification = %s", result.Task.VerificationStatus)
	}
	if result.Task.CompletedAt == nil || !result.Task.CompletedAt.Equal(firstCompleted) {
		t.Error("verification must not rewrite completed_at")
	}

	// Verified tasks are no longer reservable.
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-3"); !apperrors.IsCode(err, apperrors.ErrCodeNotReservable) {
		t.Fatalf("expected not_reservable, got %v", err)
	}
}

func TestUnlockVerificationLeaseRestoresComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "verify then bail"})
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-2"); err != nil {
		t.Fatal(err)
	}

	unlocked, err := s.UnlockIfOwner(ctx, task.ID, 0, "agent-2")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.TaskStatus != models.TaskStatusComplete {
		t.Errorf("abandoned verification lease should restore complete, got %s", unlocked.TaskStatus)
	}
	if unlocked.VerificationStatus != models.VerificationUnverified {
		t.Errorf("verification = %s", unlocked.VerificationStatus)
	}
}

func TestVerifyDirect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "verify direct"})
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "", nil); err != nil {
		t.Fatal(err)
	}

	verified, err := s.Verify(ctx, task.ID, 0, "reviewer", "checked")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.VerificationStatus != models.VerificationVerified {
		t.Errorf("verification = %s", verified.VerificationStatus)
	}

	if _, err := s.Verify(ctx, task.ID, 0, "reviewer", ""); !apperrors.IsCode(err, apperrors.ErrCodeAlreadyVerified) {
		t.Fatalf("expected already_verified, got %v", err)
	}
}

func TestCompleteAutoCompletesParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := mustCreateTask(t, s, &models.Task{Title: "parent", TaskType: models.TaskTypeAbstract})
	childA := mustCreateTask(t, s, &models.Task{Title: "child a"})
	childB := mustCreateTask(t, s, &models.Task{Title: "child b"})
	for _, child := range []*models.Task{childA, childB} {
		if _, err := s.AddRelationship(ctx, 0, &models.Relationship{
			ParentTaskID: parent.ID, ChildTaskID: child.ID, Type: models.RelationshipSubtask,
		}, "test-agent"); err != nil {
			t.Fatalf("add subtask: %v", err)
		}
	}

	if _, err := s.LockIfAvailable(ctx, childA.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	result, err := s.CompleteIfOwner(ctx, childA.ID, 0, "agent-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.AutoCompleted) != 0 {
		t.Fatal("parent must not auto-complete while a subtask is open")
	}

	if _, err := s.LockIfAvailable(ctx, childB.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	result, err = s.CompleteIfOwner(ctx, childB.ID, 0, "agent-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.AutoCompleted) != 1 || result.AutoCompleted[0].ID != parent.ID {
		t.Fatalf("auto-completed = %+v", result.AutoCompleted)
	}

	got, err := s.GetTask(ctx, parent.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskStatus != models.TaskStatusComplete {
		t.Errorf("parent status = %s", got.TaskStatus)
	}
	if !strings.Contains(got.Notes, models.AutoCompleteNotes) {
		t.Errorf("parent notes = %q", got.Notes)
	}

	history, _ := s.ListHistory(ctx, parent.ID, 20)
	var sawSystemComplete bool
	for _, h := range history {
		if h.ChangeType == models.ChangeCompleted && h.AgentID == models.SystemAgent {
			sawSystemComplete = true
		}
	}
	if !sawSystemComplete {
		t.Error("auto-completion must be recorded as the system agent")
	}
}

func TestBulkUnlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, s, &models.Task{Title: "a"})
	b := mustCreateTask(t, s, &models.Task{Title: "b"})
	other := mustCreateTask(t, s, &models.Task{Title: "other"})

	for _, task := range []*models.Task{a, b} {
		if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.LockIfAvailable(ctx, other.ID, 0, "agent-2"); err != nil {
		t.Fatal(err)
	}

	unlocked, failed, err := s.BulkUnlock(ctx, 0, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("bulk unlock: %v", err)
	}
	if len(unlocked) != 2 {
		t.Fatalf("unlocked = %v, want both of agent-1's tasks", unlocked)
	}
	if len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}

	got, _ := s.GetTask(ctx, other.ID, 0)
	if got.TaskStatus != models.TaskStatusInProgress {
		t.Error("bulk unlock must not touch other agents' leases")
	}
}

func TestBulkUnlockStrict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := mustCreateTask(t, s, &models.Task{Title: "mine"})
	theirs := mustCreateTask(t, s, &models.Task{Title: "theirs"})
	if _, err := s.LockIfAvailable(ctx, mine.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LockIfAvailable(ctx, theirs.ID, 0, "agent-2"); err != nil {
		t.Fatal(err)
	}

	// Strict mode aborts the whole batch on the foreign lease.
	_, _, err := s.BulkUnlock(ctx, 0, "agent-1", []int64{mine.ID, theirs.ID}, true)
	if !apperrors.IsCode(err, apperrors.ErrCodeNotAssigned) {
		t.Fatalf("expected not_assigned, got %v", err)
	}
	got, _ := s.GetTask(ctx, mine.ID, 0)
	if got.TaskStatus != models.TaskStatusInProgress {
		t.Error("strict failure must roll back the partial unlock")
	}

	// Non-strict skips the foreign lease and reports it.
	unlocked, failed, err := s.BulkUnlock(ctx, 0, "agent-1", []int64{mine.ID, theirs.ID}, false)
	if err != nil {
		t.Fatalf("bulk unlock: %v", err)
	}
	if len(unlocked) != 1 || unlocked[0] != mine.ID {
		t.Fatalf("unlocked = %v", unlocked)
	}
	if len(failed) != 1 || failed[0].TaskID != theirs.ID {
		t.Fatalf("failed = %v, want the foreign lease", failed)
	}
	if failed[0].Reason == "" {
		t.Error("failure must carry a reason")
	}
}

func TestReclaimStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := mustCreateTask(t, s, &models.Task{Title: "stale"})
	fresh := mustCreateTask(t, s, &models.Task{Title: "fresh"})
	for _, task := range []*models.Task{stale, fresh} {
		if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
			t.Fatal(err)
		}
	}

	// Age the first lease past the timeout.
	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`), old, stale.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := s.ReclaimStale(ctx, 24)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Task.ID != stale.ID {
		t.Fatalf("reclaimed = %+v", reclaimed)
	}
	if reclaimed[0].PreviousAgent != "agent-1" {
		t.Errorf("previous agent = %q", reclaimed[0].PreviousAgent)
	}

	got, _ := s.GetTask(ctx, stale.ID, 0)
	if got.TaskStatus != models.TaskStatusAvailable || got.AssignedAgent != nil {
		t.Errorf("reclaimed task = %s/%v", got.TaskStatus, got.AssignedAgent)
	}
	if got.StartedAt == nil {
		t.Error("reclaim must keep started_at for later hour accounting")
	}

	// The reclaim leaves a stale finding the next reservation can surface.
	update, err := s.LatestStaleUpdate(ctx, stale.ID)
	if err != nil {
		t.Fatalf("latest stale update: %v", err)
	}
	if update == nil {
		t.Fatal("expected a stale finding update")
	}
	if !strings.Contains(update.Content, models.StaleFindingText) {
		t.Errorf("finding content = %q", update.Content)
	}
	if update.Metadata["stale"] != true {
		t.Errorf("finding metadata = %v", update.Metadata)
	}

	history, _ := s.ListHistory(ctx, stale.ID, 20)
	var sawStale bool
	for _, h := range history {
		if h.ChangeType == models.ChangeUnlockedStale {
			sawStale = true
		}
	}
	if !sawStale {
		t.Error("expected an unlocked_stale history entry")
	}

	freshTask, _ := s.GetTask(ctx, fresh.ID, 0)
	if freshTask.TaskStatus != models.TaskStatusInProgress {
		t.Error("fresh lease must survive the reclaim")
	}
}

func TestReclaimStaleJudgesByLastTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idle := mustCreateTask(t, s, &models.Task{Title: "idle"})
	active := mustCreateTask(t, s, &models.Task{Title: "active"})
	for _, task := range []*models.Task{idle, active} {
		if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
			t.Fatal(err)
		}
	}

	// idle went quiet after reserving; active started long ago but posted an
	// update recently. Only silence loses the lease.
	old := time.Now().UTC().Add(-25 * time.Hour)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET updated_at = ? WHERE id = ?`), old, idle.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET started_at = ? WHERE id = ?`), old, active.ID); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := s.ReclaimStale(ctx, 24)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Task.ID != idle.ID {
		t.Fatalf("reclaimed = %+v, want only the untouched lease", reclaimed)
	}

	activeTask, _ := s.GetTask(ctx, active.ID, 0)
	if activeTask.TaskStatus != models.TaskStatusInProgress {
		t.Error("a recently touched lease must survive no matter when it started")
	}
}

func TestRepeatCompleteByOwnerIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "retry complete"})
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	first, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "done", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A retried complete by the same agent succeeds without changing state.
	again, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "retry", nil)
	if err != nil {
		t.Fatalf("retried complete: %v", err)
	}
	if again.Verified {
		t.Error("a retry must not count as verification")
	}
	if again.Task.VerificationStatus != models.VerificationUnverified {
		t.Errorf("verification = %s", again.Task.VerificationStatus)
	}
	if again.Task.CompletedAt == nil || !again.Task.CompletedAt.Equal(*first.Task.CompletedAt) {
		t.Error("retry must keep the original completed_at")
	}

	// Once verified, the retry reads as a repeat verify.
	if _, err := s.Verify(ctx, task.ID, 0, "reviewer", ""); err != nil {
		t.Fatal(err)
	}
	_, err = s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "", nil)
	if !apperrors.IsCode(err, apperrors.ErrCodeAlreadyVerified) {
		t.Fatalf("expected already_verified, got %v", err)
	}
}

func TestCompleteDerivesActualHours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, &models.Task{Title: "timed work"})
	if _, err := s.LockIfAvailable(ctx, task.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}

	start := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET started_at = ? WHERE id = ?`), start, task.ID); err != nil {
		t.Fatal(err)
	}

	result, err := s.CompleteIfOwner(ctx, task.ID, 0, "agent-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Task.ActualHours == nil {
		t.Fatal("actual_hours should be derived from started_at")
	}
	if *result.Task.ActualHours < 1.9 || *result.Task.ActualHours > 2.1 {
		t.Errorf("actual_hours = %g, want about 2", *result.Task.ActualHours)
	}

	// Reported hours always win over the derived value.
	other := mustCreateTask(t, s, &models.Task{Title: "reported work"})
	if _, err := s.LockIfAvailable(ctx, other.ID, 0, "agent-1"); err != nil {
		t.Fatal(err)
	}
	hours := 0.5
	result, err = s.CompleteIfOwner(ctx, other.ID, 0, "agent-1", "", &hours)
	if err != nil {
		t.Fatal(err)
	}
	if result.Task.ActualHours == nil || *result.Task.ActualHours != 0.5 {
		t.Errorf("actual_hours = %v, want the reported 0.5", result.Task.ActualHours)
	}
}
