package models

import (
	"testing"
	"time"
)

func TestNeedsVerification(t *testing.T) {
	task := &Task{TaskStatus: TaskStatusComplete, VerificationStatus: VerificationUnverified}
	if !task.NeedsVerification() {
		t.Error("complete+unverified should need verification")
	}
	if task.EffectiveStatus() != TaskStatusAvailable {
		t.Errorf("expected effective status available, got %s", task.EffectiveStatus())
	}

	task.VerificationStatus = VerificationVerified
	if task.NeedsVerification() {
		t.Error("verified task should not need verification")
	}
	if task.EffectiveStatus() != TaskStatusComplete {
		t.Errorf("expected effective status complete, got %s", task.EffectiveStatus())
	}

	task = &Task{TaskStatus: TaskStatusInProgress, VerificationStatus: VerificationUnverified}
	if task.NeedsVerification() {
		t.Error("in_progress task should not need verification")
	}
	if task.EffectiveStatus() != TaskStatusInProgress {
		t.Errorf("expected effective status in_progress, got %s", task.EffectiveStatus())
	}
}

func TestTimeDeltaHours(t *testing.T) {
	est := 2.0
	act := 3.5
	task := &Task{EstimatedHours: &est, ActualHours: &act}
	delta := task.TimeDeltaHours()
	if delta == nil {
		t.Fatal("expected non-nil delta")
	}
	if *delta != 1.5 {
		t.Errorf("expected delta 1.5, got %v", *delta)
	}

	task = &Task{ActualHours: &act}
	if task.TimeDeltaHours() != nil {
		t.Error("expected nil delta when estimate is missing")
	}
	task = &Task{EstimatedHours: &est}
	if task.TimeDeltaHours() != nil {
		t.Error("expected nil delta when actual is missing")
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s < %s", order[i-1], order[i])
		}
	}
	if Priority("bogus").Rank() != PriorityMedium.Rank() {
		t.Error("unknown priority should rank as medium")
	}
}

func TestRelationshipInverse(t *testing.T) {
	if RelationshipBlocking.Inverse() != RelationshipBlockedBy {
		t.Error("blocking inverse should be blocked_by")
	}
	if RelationshipBlockedBy.Inverse() != RelationshipBlocking {
		t.Error("blocked_by inverse should be blocking")
	}
	if RelationshipSubtask.Inverse() != RelationshipSubtask {
		t.Error("subtask has no inverse")
	}
	if !RelationshipBlocking.IsBlockingEdge() || !RelationshipBlockedBy.IsBlockingEdge() {
		t.Error("blocking edges should be flagged")
	}
	if RelationshipFollowup.IsBlockingEdge() {
		t.Error("followup is not a blocking edge")
	}
}

func TestEnumValidation(t *testing.T) {
	if !TaskTypeConcrete.Valid() || TaskType("none").Valid() {
		t.Error("task type validation broken")
	}
	if !TaskStatusAvailable.Valid() || TaskStatus("done").Valid() {
		t.Error("task status validation broken")
	}
	if !UpdateTypeFinding.Valid() || UpdateType("remark").Valid() {
		t.Error("update type validation broken")
	}
	if !RecurrenceMonthly.Valid() || RecurrenceType("yearly").Valid() {
		t.Error("recurrence type validation broken")
	}
}

func TestEffectiveStatusLeavesTimestamps(t *testing.T) {
	now := time.Now().UTC()
	task := &Task{
		TaskStatus:         TaskStatusComplete,
		VerificationStatus: VerificationUnverified,
		CompletedAt:        &now,
	}
	_ = task.EffectiveStatus()
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Error("computed status must not clear completed_at")
	}
	if task.TaskStatus != TaskStatusComplete {
		t.Error("computed status must not rewrite the stored status")
	}
}
