// Package scheduler is the claim engine: a pool of workers that pull due
// scheduled tasks from storage, spawn agent sessions for them, and write
// the terminal status back. Exclusivity comes entirely from the store's
// atomic claim; workers share no claim state with each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minhduc9699/vibe-kanban/internal/approvals"
	"github.com/minhduc9699/vibe-kanban/internal/executor"
	"github.com/minhduc9699/vibe-kanban/internal/models"
	"github.com/minhduc9699/vibe-kanban/internal/msgstore"
	"github.com/minhduc9699/vibe-kanban/internal/protocol"
	"github.com/minhduc9699/vibe-kanban/internal/storage"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 2 * time.Second
	defaultLease        = 5 * time.Minute
)

type Options struct {
	Store        *storage.Storage
	Profile      executor.Profile
	Approvals    approvals.Service
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	Logger       *slog.Logger

	// resolve is a seam for tests; nil means executor.Resolve.
	resolve func(executor.Profile) (executor.Executor, error)
}

type Scheduler struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*executor.Session
	logs map[uuid.UUID]*msgstore.Store
}

func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.resolve == nil {
		opts.resolve = executor.Resolve
	}
	return &Scheduler{
		opts: opts,
		log:  opts.Logger,
		live: make(map[uuid.UUID]*executor.Session),
		logs: make(map[uuid.UUID]*msgstore.Store),
	}
}

// Run blocks until ctx is cancelled and every in-flight session has been
// wound down.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.worker(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reapLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	log := s.log.With("worker", n)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := s.opts.Store.ClaimNext(s.opts.Lease)
		if err != nil {
			log.Error("claim failed", "error", err)
		} else if claimed != nil {
			log.Info("claimed scheduled task", "id", claimed.ID, "task_id", claimed.TaskID)
			s.execute(ctx, log, claimed)
			// Go straight back for more; only idle between polls when the
			// queue is drained.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reapLoop periodically returns lease-expired running rows to pending so
// work stranded by a dead worker becomes claimable again.
func (s *Scheduler) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.opts.Store.ReapExpired()
			if err != nil {
				s.log.Error("lease reap failed", "error", err)
			} else if n > 0 {
				s.log.Warn("requeued expired leases", "count", n)
			}
		}
	}
}

// execute runs one claimed row to a terminal status. Nothing here may
// panic outward or return an error: any failure lands on the row as
// status=failed and the worker keeps going.
func (s *Scheduler) execute(ctx context.Context, log *slog.Logger, claimed *models.ScheduledTask) {
	task, err := s.opts.Store.GetTask(claimed.TaskID)
	if err != nil {
		s.fail(log, claimed, fmt.Errorf("load task %s: %w", claimed.TaskID, err))
		return
	}

	exec, err := s.opts.resolve(s.opts.Profile)
	if err != nil {
		s.fail(log, claimed, err)
		return
	}
	if s.opts.Approvals != nil {
		exec.UseApprovals(s.opts.Approvals)
	}
	s.observePermissions(exec, claimed)

	sess, err := s.spawn(exec, task, claimed)
	if err != nil {
		s.fail(log, claimed, err)
		return
	}

	sink := msgstore.New()
	exec.NormalizeLogs(sess, sink, task.Workdir)

	s.track(claimed.ID, sess, sink)
	defer s.untrack(claimed.ID)

	select {
	case <-ctx.Done():
		// Shutdown: stop the agent, then release the claim so the next run
		// picks it up at once. The lease reaper covers us if this is lost.
		sess.Interrupt()
		<-sess.Done()
		if err := s.opts.Store.Requeue(claimed.ID); err != nil {
			log.Warn("could not requeue on shutdown", "id", claimed.ID, "error", err)
		}
		return
	case <-sess.Done():
	}

	s.recordAgentSession(log, claimed, sess)

	// CancelTask writes the cancelled status before interrupting; respect
	// that terminal state instead of overwriting it.
	current, err := s.opts.Store.GetScheduledTask(claimed.ID)
	if err == nil && current.Status == models.TaskStatusCancelled {
		log.Info("session cancelled", "id", claimed.ID)
		return
	}

	if err := sess.Err(); err != nil {
		if errors.Is(err, protocol.ErrInterrupted) {
			if uerr := s.opts.Store.CancelScheduledTask(claimed.ID); uerr != nil {
				log.Error("could not mark cancelled", "id", claimed.ID, "error", uerr)
			}
			return
		}
		s.fail(log, claimed, err)
		return
	}

	if err := s.opts.Store.MarkCompleted(claimed.ID); err != nil {
		log.Error("could not mark completed", "id", claimed.ID, "error", err)
		return
	}
	if err := s.opts.Store.UpdateTaskState(task.ID, models.TaskStateInReview); err != nil {
		log.Warn("could not move task to review", "task_id", task.ID, "error", err)
	}
	s.notify(claimed, models.NotificationTaskComplete, "Task complete", task.Title)
	log.Info("session completed", "id", claimed.ID)
}

func (s *Scheduler) spawn(exec executor.Executor, task *models.Task, claimed *models.ScheduledTask) (*executor.Session, error) {
	if claimed.SessionID != nil {
		return exec.SpawnFollowUp(task.Workdir, task.Prompt(), claimed.SessionID.String(), nil)
	}
	return exec.Spawn(task.Workdir, task.Prompt(), nil)
}

// observePermissions surfaces permission requests in the mailbox so a
// human notices an agent stuck waiting on a decision.
func (s *Scheduler) observePermissions(exec executor.Executor, claimed *models.ScheduledTask) {
	obs, ok := exec.(interface{ OnPermissionRequest(func(approvals.Request)) })
	if !ok {
		return
	}
	obs.OnPermissionRequest(func(req approvals.Request) {
		s.notify(claimed, models.NotificationApprovalNeeded, "Approval needed", req.ToolName)
	})
}

func (s *Scheduler) recordAgentSession(log *slog.Logger, claimed *models.ScheduledTask, sess *executor.Session) {
	raw := sess.SessionID()
	if raw == "" {
		return
	}
	sid, err := uuid.Parse(raw)
	if err != nil {
		log.Warn("agent session id is not a uuid", "session_id", raw)
		return
	}
	if err := s.opts.Store.SetSessionID(claimed.ID, sid); err != nil {
		log.Error("could not record session id", "id", claimed.ID, "error", err)
	}
}

func (s *Scheduler) fail(log *slog.Logger, claimed *models.ScheduledTask, cause error) {
	log.Error("execution failed", "id", claimed.ID, "error", cause)
	if err := s.opts.Store.MarkFailed(claimed.ID, cause.Error()); err != nil {
		log.Error("could not mark failed", "id", claimed.ID, "error", err)
	}
	s.notify(claimed, models.NotificationError, "Task failed", cause.Error())
}

func (s *Scheduler) notify(claimed *models.ScheduledTask, typ models.NotificationType, title, message string) {
	_, err := s.opts.Store.CreateNotification(&models.CreateNotification{
		SessionID: claimed.ID,
		Type:      typ,
		Title:     title,
		Message:   message,
	})
	if err != nil {
		s.log.Error("could not create notification", "id", claimed.ID, "error", err)
	}
}

func (s *Scheduler) track(id uuid.UUID, sess *executor.Session, sink *msgstore.Store) {
	s.mu.Lock()
	s.live[id] = sess
	s.logs[id] = sink
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// Logs returns the message store of a session started by this scheduler,
// or nil. Stores outlive their sessions so late readers still see history.
func (s *Scheduler) Logs(id uuid.UUID) *msgstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[id]
}

// CancelTask marks the row cancelled and, when a session is live in this
// process, interrupts it. Terminal rows are left alone.
func (s *Scheduler) CancelTask(id uuid.UUID) error {
	claimed, err := s.opts.Store.GetScheduledTask(id)
	if err != nil {
		return err
	}
	if claimed.Status.IsTerminal() {
		return fmt.Errorf("scheduled task %s is already %s", id, claimed.Status)
	}

	if err := s.opts.Store.CancelScheduledTask(id); err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.live[id]
	s.mu.Unlock()
	if sess != nil {
		sess.Interrupt()
	}
	return nil
}
