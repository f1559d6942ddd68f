package models

import (
	"time"

	"github.com/google/uuid"
)

type ScheduledTaskStatus string

const (
	TaskStatusPending   ScheduledTaskStatus = "pending"
	TaskStatusRunning   ScheduledTaskStatus = "running"
	TaskStatusCompleted ScheduledTaskStatus = "completed"
	TaskStatusFailed    ScheduledTaskStatus = "failed"
	TaskStatusCancelled ScheduledTaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ScheduledTaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ScheduledTask is one schedulable unit of agent work. LockedUntil is a
// time-bounded exclusivity marker set while the row is claimed; no holder
// id is tracked, expiry alone gates re-eligibility.
type ScheduledTask struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	SessionID    *uuid.UUID
	ExecuteAt    time.Time
	Status       ScheduledTaskStatus
	LockedUntil  *time.Time
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateScheduledTask carries the caller-supplied fields for a new row.
type CreateScheduledTask struct {
	TaskID    uuid.UUID
	SessionID *uuid.UUID
	ExecuteAt time.Time
}
