// Package plans turns human-authored planning documents into task
// records. An external scanner script owns the document format; this
// package owns running it safely and mapping its output onto tasks.
package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/minhduc9699/vibe-kanban/internal/models"
	"github.com/minhduc9699/vibe-kanban/internal/storage"
)

// Metadata is one plan document as reported by the scanner.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	File        string `json:"file"`
}

type Result struct {
	Imported  int
	Scheduled int
	Skipped   int
}

type Importer struct {
	Store   *storage.Storage
	Scanner string
	Log     *slog.Logger
}

func NewImporter(store *storage.Storage, scanner string) *Importer {
	return &Importer{Store: store, Scanner: scanner, Log: slog.Default()}
}

// Import scans projectPath, creates a task per plan document, and
// schedules the ones whose status still calls for work. Re-running over
// the same project is idempotent: existing titles are skipped.
func (i *Importer) Import(ctx context.Context, projectPath string) (Result, error) {
	var res Result

	if i.Scanner == "" {
		return res, fmt.Errorf("no plan scanner configured")
	}
	path, err := validateProjectPath(projectPath)
	if err != nil {
		return res, err
	}

	plans, err := i.scan(ctx, path)
	if err != nil {
		return res, err
	}

	for _, p := range plans {
		if p.Title == "" {
			i.Log.Warn("skipping plan without a title", "file", p.File)
			res.Skipped++
			continue
		}
		if _, err := i.Store.FindTaskByTitle(p.Title); err == nil {
			res.Skipped++
			continue
		}

		state := mapStatus(i.Log, p.Status)
		task, err := i.Store.CreateTask(&models.CreateTask{
			Title:       p.Title,
			Description: p.Description,
			Workdir:     path,
			State:       state,
		})
		if err != nil {
			return res, fmt.Errorf("create task for plan %q: %w", p.Title, err)
		}
		res.Imported++

		if state.Actionable() {
			_, err := i.Store.CreateScheduledTask(&models.CreateScheduledTask{
				TaskID:    task.ID,
				ExecuteAt: time.Now().UTC(),
			})
			if err != nil {
				return res, fmt.Errorf("schedule plan %q: %w", p.Title, err)
			}
			res.Scheduled++
		}
	}

	return res, nil
}

func (i *Importer) scan(ctx context.Context, path string) ([]Metadata, error) {
	cmd := exec.CommandContext(ctx, i.Scanner, path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("plan scanner failed: %w", err)
	}

	var plans []Metadata
	if err := json.Unmarshal(out, &plans); err != nil {
		return nil, fmt.Errorf("plan scanner produced invalid JSON: %w", err)
	}
	return plans, nil
}

// validateProjectPath rejects anything that could smuggle shell syntax
// into the scanner invocation and anything that is not a real directory.
func validateProjectPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("project path must be absolute: %q", path)
	}
	if strings.ContainsAny(path, ";&|$<>`\"'\n") {
		return "", fmt.Errorf("project path contains forbidden characters: %q", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path is not a directory: %q", path)
	}
	return filepath.Clean(path), nil
}

// mapStatus folds the scanner's free-form status strings onto task
// states. Anything unrecognized lands in todo so it is not lost.
func mapStatus(log *slog.Logger, status string) models.TaskState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "in-progress", "in_progress", "inprogress":
		return models.TaskStateInProgress
	case "in-review", "in_review", "inreview":
		return models.TaskStateInReview
	case "completed", "done":
		return models.TaskStateDone
	case "cancelled", "canceled":
		return models.TaskStateCancelled
	case "todo", "":
		return models.TaskStateTodo
	default:
		log.Debug("unknown plan status, defaulting to todo", "status", status)
		return models.TaskStateTodo
	}
}
