package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskState mirrors the kanban columns a task moves through. Scheduled
// executions reference a task; the task itself carries the prompt.
type TaskState string

const (
	TaskStateTodo       TaskState = "todo"
	TaskStateInProgress TaskState = "inprogress"
	TaskStateInReview   TaskState = "inreview"
	TaskStateDone       TaskState = "done"
	TaskStateCancelled  TaskState = "cancelled"
)

// Actionable reports whether the task still has work to dispatch.
func (s TaskState) Actionable() bool {
	return s == TaskStateTodo || s == TaskStateInProgress
}

type Task struct {
	ID          uuid.UUID
	Title       string
	Description string
	Workdir     string
	State       TaskState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Prompt is the text handed to the agent: the title, plus the
// description when one was written.
func (t *Task) Prompt() string {
	if t.Description == "" {
		return t.Title
	}
	return t.Title + "\n\n" + t.Description
}

type CreateTask struct {
	Title       string
	Description string
	Workdir     string
	State       TaskState
}
