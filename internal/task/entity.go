package task

import (
	"slices"
	"time"
)

type Status string

const (
	StatusBacklog      Status = "backlog"
	StatusTodo         Status = "todo"
	StatusInProgress   Status = "in_progress"
	StatusWaitApproval Status = "wait_approval"
	StatusDone         Status = "done"
	StatusRejected     Status = "rejected"
)

var AllStatuses = []Status{
	StatusBacklog,
	StatusTodo,
	StatusInProgress,
	StatusWaitApproval,
	StatusDone,
	StatusRejected,
}

func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type LogEntry struct {
	At       time.Time `yaml:"at" json:"at"`
	Message  string    `yaml:"message" json:"message"`
	Severity Severity  `yaml:"severity" json:"severity"`
}

// MergeInfo describes what was integrated into the base branch when the task
// reached done.
type MergeInfo struct {
	Branch       string    `yaml:"branch" json:"branch"`
	BaseBranch   string    `yaml:"base_branch" json:"base_branch"`
	MergeCommit  string    `yaml:"merge_commit" json:"merge_commit"`
	CommitCount  int       `yaml:"commit_count" json:"commit_count"`
	ChangedFiles []string  `yaml:"changed_files" json:"changed_files"`
	Diff         string    `yaml:"diff" json:"diff"`
	MergedAt     time.Time `yaml:"merged_at" json:"merged_at"`
}

type Task struct {
	ID              string     `yaml:"id" json:"id"`
	Title           string     `yaml:"title" json:"title"`
	Description     string     `yaml:"description" json:"description"`
	Status          Status     `yaml:"status" json:"status"`
	Summary         string     `yaml:"summary,omitempty" json:"summary,omitempty"`
	RejectionReason string     `yaml:"rejection_reason,omitempty" json:"rejection_reason,omitempty"`
	Merge           *MergeInfo `yaml:"merge,omitempty" json:"merge,omitempty"`
	Logs            []LogEntry `yaml:"logs" json:"logs"`
	CreatedAt       time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `yaml:"updated_at" json:"updated_at"`
	StartedAt       *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	ImplementedAt   *time.Time `yaml:"implemented_at,omitempty" json:"implemented_at,omitempty"`
	CompletedAt     *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	RejectedAt      *time.Time `yaml:"rejected_at,omitempty" json:"rejected_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate it without touching the
// original until they decide to persist.
func (t *Task) Clone() *Task {
	c := *t
	c.Logs = slices.Clone(t.Logs)
	if t.Merge != nil {
		m := *t.Merge
		m.ChangedFiles = slices.Clone(t.Merge.ChangedFiles)
		c.Merge = &m
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.ImplementedAt = cloneTime(t.ImplementedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.RejectedAt = cloneTime(t.RejectedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (t *Task) AppendLog(at time.Time, severity Severity, message string) {
	t.Logs = append(t.Logs, LogEntry{At: at, Message: message, Severity: severity})
}

// Summary is the listing view of a task.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) Summarize() Summary {
	return Summary{ID: t.ID, Title: t.Title, Status: t.Status, UpdatedAt: t.UpdatedAt}
}

// UpdateRequest edits the descriptive fields of a task. Nil fields are left
// unchanged; a non-empty Note is appended to the activity log.
type UpdateRequest struct {
	Title       *string
	Description *string
	Note        string
}
