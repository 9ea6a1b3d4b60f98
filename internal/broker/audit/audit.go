// Package audit assembles read-side views over the append-only change
// history, task updates, and version snapshots.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/dispatchd/dispatchd/internal/broker/models"
)

// EntryKind distinguishes feed entry origins.
type EntryKind string

const (
	KindChange EntryKind = "change"
	KindUpdate EntryKind = "update"
)

// Entry is one item of a task's merged activity feed.
type Entry struct {
	Kind      EntryKind            `json:"kind"`
	Timestamp time.Time            `json:"timestamp"`
	AgentID   string               `json:"agent_id"`
	Summary   string               `json:"summary"`
	Change    *models.ChangeRecord `json:"change,omitempty"`
	Update    *models.TaskUpdate   `json:"update,omitempty"`
}

// Feed merges change history and narrative updates into a single timeline,
// oldest first. When a history row and an update carry the same agent and
// text within the same second they describe one event, and only the history
// row is kept.
func Feed(history []*models.ChangeRecord, updates []*models.TaskUpdate) []*Entry {
	entries := make([]*Entry, 0, len(history)+len(updates))
	seen := make(map[string]bool, len(history))

	for _, rec := range history {
		entries = append(entries, &Entry{
			Kind:      KindChange,
			Timestamp: rec.CreatedAt,
			AgentID:   rec.AgentID,
			Summary:   changeSummary(rec),
			Change:    rec,
		})
		if rec.Notes != "" {
			seen[dedupeKey(rec.CreatedAt, rec.AgentID, rec.Notes)] = true
		}
	}

	for _, upd := range updates {
		if seen[dedupeKey(upd.CreatedAt, upd.AgentID, upd.Content)] {
			continue
		}
		entries = append(entries, &Entry{
			Kind:      KindUpdate,
			Timestamp: upd.CreatedAt,
			AgentID:   upd.AgentID,
			Summary:   fmt.Sprintf("%s: %s", upd.Type, upd.Content),
			Update:    upd,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		// History before updates at identical timestamps.
		return entries[i].Kind == KindChange && entries[j].Kind == KindUpdate
	})
	return entries
}

// Filter keeps the entries matching agentID (when non-empty) and the
// inclusive [since, until] range (when set).
func Filter(entries []*Entry, agentID string, since, until *time.Time) []*Entry {
	if agentID == "" && since == nil && until == nil {
		return entries
	}
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		if until != nil && e.Timestamp.After(*until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func dedupeKey(ts time.Time, agentID, text string) string {
	return fmt.Sprintf("%d|%s|%s", ts.UTC().Unix(), agentID, text)
}

func changeSummary(rec *models.ChangeRecord) string {
	switch {
	case rec.FieldName != "" && rec.OldValue != rec.NewValue:
		return fmt.Sprintf("%s: %s changed from %q to %q", rec.ChangeType, rec.FieldName, rec.OldValue, rec.NewValue)
	case rec.Notes != "":
		return fmt.Sprintf("%s: %s", rec.ChangeType, rec.Notes)
	default:
		return rec.ChangeType
	}
}

// Diff returns the fields whose values differ between two version snapshots,
// keyed by field name.
func Diff(from, to *models.TaskVersion) map[string]models.FieldChange {
	diff := make(map[string]models.FieldChange)
	compare := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			diff[field] = models.FieldChange{OldValue: oldVal, NewValue: newVal}
		}
	}

	compare("title", from.Title, to.Title)
	compare("task_type", string(from.TaskType), string(to.TaskType))
	compare("task_instruction", from.TaskInstruction, to.TaskInstruction)
	compare("verification_instruction", from.VerificationInstruction, to.VerificationInstruction)
	compare("priority", string(from.Priority), string(to.Priority))
	compare("estimated_hours", floatString(from.EstimatedHours), floatString(to.EstimatedHours))
	compare("due_date", timeString(from.DueDate), timeString(to.DueDate))
	compare("notes", from.Notes, to.Notes)
	return diff
}

func floatString(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

func timeString(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
