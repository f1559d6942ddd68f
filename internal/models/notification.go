package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTaskComplete   NotificationType = "task_complete"
	NotificationApprovalNeeded NotificationType = "approval_needed"
	NotificationQuestion       NotificationType = "question"
	NotificationError          NotificationType = "error"
)

type Notification struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Type      NotificationType
	Title     string
	Message   string
	Payload   map[string]any
	ReadAt    *time.Time
	CreatedAt time.Time
}

type CreateNotification struct {
	SessionID uuid.UUID
	Type      NotificationType
	Title     string
	Message   string
	Payload   map[string]any
}
