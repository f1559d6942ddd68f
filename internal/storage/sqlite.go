package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/minhduc9699/vibe-kanban/internal/models"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; serializing connections means every
	// ClaimNext statement runs alone, which keeps the claim atomic.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		workdir TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'todo',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		session_id TEXT,
		execute_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		locked_until INTEGER,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		payload TEXT,
		read_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_claim ON scheduled_tasks(status, execute_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_task ON scheduled_tasks(task_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as unix milliseconds so the claim predicate's
// comparisons happen on plain integers inside SQLite.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const scheduledTaskColumns = `id, task_id, session_id, execute_at, status, locked_until, error_message, created_at, updated_at`

func scanScheduledTask(row interface{ Scan(...any) error }) (*models.ScheduledTask, error) {
	var (
		t           models.ScheduledTask
		id, taskID  string
		sessionID   sql.NullString
		executeAt   int64
		lockedUntil sql.NullInt64
		errMsg      sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(&id, &taskID, &sessionID, &executeAt, &t.Status, &lockedUntil, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id in scheduled_tasks: %w", err)
	}
	if t.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("invalid task_id in scheduled_tasks: %w", err)
	}
	if sessionID.Valid {
		sid, err := uuid.Parse(sessionID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid session_id in scheduled_tasks: %w", err)
		}
		t.SessionID = &sid
	}
	t.ExecuteAt = fromMillis(executeAt)
	if lockedUntil.Valid {
		lu := fromMillis(lockedUntil.Int64)
		t.LockedUntil = &lu
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)

	return &t, nil
}

func (s *Storage) CreateScheduledTask(data *models.CreateScheduledTask) (*models.ScheduledTask, error) {
	id := uuid.New()
	now := time.Now().UTC()

	var sessionID *string
	if data.SessionID != nil {
		str := data.SessionID.String()
		sessionID = &str
	}

	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (id, task_id, session_id, execute_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		id.String(), data.TaskID.String(), sessionID, toMillis(data.ExecuteAt), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, err
	}

	return s.GetScheduledTask(id)
}

func (s *Storage) GetScheduledTask(id uuid.UUID) (*models.ScheduledTask, error) {
	row := s.db.QueryRow(
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, id.String(),
	)
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Storage) FindByTaskID(taskID uuid.UUID) ([]*models.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE task_id = ? ORDER BY execute_at ASC`,
		taskID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

func (s *Storage) FindPending() ([]*models.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT ` + scheduledTaskColumns + ` FROM scheduled_tasks WHERE status = 'pending' ORDER BY execute_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

func (s *Storage) ListScheduledTasks(limit int) ([]*models.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

func collectScheduledTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var tasks []*models.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNext atomically claims the oldest due, unleased pending row: the row
// becomes running with locked_until set in the same statement, so under
// concurrent callers exactly one receives any given row. Returns (nil, nil)
// when nothing is eligible.
func (s *Storage) ClaimNext(leaseDuration time.Duration) (*models.ScheduledTask, error) {
	now := time.Now().UTC()
	lockedUntil := now.Add(leaseDuration)

	row := s.db.QueryRow(
		`UPDATE scheduled_tasks
		 SET status = 'running',
		     locked_until = ?,
		     updated_at = ?
		 WHERE id = (
		     SELECT id FROM scheduled_tasks
		     WHERE status = 'pending'
		       AND execute_at <= ?
		       AND (locked_until IS NULL OR locked_until < ?)
		     ORDER BY execute_at ASC
		     LIMIT 1
		 )
		 RETURNING `+scheduledTaskColumns,
		toMillis(lockedUntil), toMillis(now), toMillis(now), toMillis(now),
	)

	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Storage) UpdateStatus(id uuid.UUID, status models.ScheduledTaskStatus, errorMessage *string) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errorMessage, toMillis(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) MarkCompleted(id uuid.UUID) error {
	return s.UpdateStatus(id, models.TaskStatusCompleted, nil)
}

func (s *Storage) MarkFailed(id uuid.UUID, errorMessage string) error {
	return s.UpdateStatus(id, models.TaskStatusFailed, &errorMessage)
}

func (s *Storage) CancelScheduledTask(id uuid.UUID) error {
	return s.UpdateStatus(id, models.TaskStatusCancelled, nil)
}

// DeleteScheduledTask removes the row unconditionally, whatever its status.
func (s *Storage) DeleteScheduledTask(id uuid.UUID) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Requeue returns a row to pending and releases its lease in the same
// statement, so a claim a worker gives up voluntarily is reclaimable at
// once instead of waiting out locked_until.
func (s *Storage) Requeue(id uuid.UUID) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = 'pending', locked_until = NULL, updated_at = ? WHERE id = ?`,
		toMillis(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) SetSessionID(id, sessionID uuid.UUID) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID.String(), toMillis(time.Now().UTC()), id.String(),
	)
	return err
}

// ReapExpired demotes running rows whose lease has lapsed back to pending so
// work stranded by a crashed worker becomes claimable again. Returns the
// number of rows demoted.
func (s *Storage) ReapExpired() (int64, error) {
	now := toMillis(time.Now().UTC())
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks
		 SET status = 'pending', locked_until = NULL, updated_at = ?
		 WHERE status = 'running' AND locked_until IS NOT NULL AND locked_until < ?`,
		now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Tasks.

const taskColumns = `id, title, description, workdir, state, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var (
		t         models.Task
		id        string
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(&id, &t.Title, &t.Description, &t.Workdir, &t.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id in tasks: %w", err)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)

	return &t, nil
}

func (s *Storage) CreateTask(data *models.CreateTask) (*models.Task, error) {
	id := uuid.New()
	now := time.Now().UTC()

	state := data.State
	if state == "" {
		state = models.TaskStateTodo
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, title, description, workdir, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), data.Title, data.Description, data.Workdir, string(state), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, err
	}

	return s.GetTask(id)
}

func (s *Storage) GetTask(id uuid.UUID) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Storage) ListTasks(limit int) ([]*models.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Storage) UpdateTaskState(id uuid.UUID, state models.TaskState) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), toMillis(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteTask(id uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id.String())
	return err
}

// FindTaskByTitle supports idempotent plan import: re-scanning the same
// documents must not duplicate tasks.
func (s *Storage) FindTaskByTitle(title string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE title = ? LIMIT 1`, title)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Notification mailbox.

const notificationColumns = `id, session_id, notification_type, title, message, payload, read_at, created_at`

func scanNotification(row interface{ Scan(...any) error }) (*models.Notification, error) {
	var (
		n             models.Notification
		id, sessionID string
		payload       sql.NullString
		readAt        sql.NullInt64
		createdAt     int64
	)

	err := row.Scan(&id, &sessionID, &n.Type, &n.Title, &n.Message, &payload, &readAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if n.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id in notifications: %w", err)
	}
	if n.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session_id in notifications: %w", err)
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &n.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload in notifications: %w", err)
		}
	}
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		n.ReadAt = &t
	}
	n.CreatedAt = fromMillis(createdAt)

	return &n, nil
}

func (s *Storage) CreateNotification(data *models.CreateNotification) (*models.Notification, error) {
	id := uuid.New()
	now := time.Now().UTC()

	var payload *string
	if data.Payload != nil {
		raw, err := json.Marshal(data.Payload)
		if err != nil {
			return nil, err
		}
		str := string(raw)
		payload = &str
	}

	_, err := s.db.Exec(
		`INSERT INTO notifications (id, session_id, notification_type, title, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), data.SessionID.String(), string(data.Type), data.Title, data.Message, payload, toMillis(now),
	)
	if err != nil {
		return nil, err
	}

	return s.GetNotification(id)
}

func (s *Storage) GetNotification(id uuid.UUID) (*models.Notification, error) {
	row := s.db.QueryRow(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id.String())
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *Storage) FindNotificationsBySession(sessionID uuid.UUID) ([]*models.Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+notificationColumns+` FROM notifications WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (s *Storage) ListNotifications(limit int) ([]*models.Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+notificationColumns+` FROM notifications ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func collectNotifications(rows *sql.Rows) ([]*models.Notification, error) {
	var notifs []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifs = append(notifs, n)
	}
	return notifs, rows.Err()
}

func (s *Storage) UnreadNotificationCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE read_at IS NULL`).Scan(&count)
	return count, err
}

func (s *Storage) MarkNotificationRead(id uuid.UUID) error {
	res, err := s.db.Exec(
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		toMillis(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) MarkAllNotificationsRead() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE notifications SET read_at = ? WHERE read_at IS NULL`,
		toMillis(time.Now().UTC()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) DeleteNotification(id uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM notifications WHERE id = ?`, id.String())
	return err
}
