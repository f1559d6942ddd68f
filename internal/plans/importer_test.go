package plans

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhduc9699/vibe-kanban/internal/models"
	"github.com/minhduc9699/vibe-kanban/internal/storage"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeScanner(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan-plans")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestImportCreatesAndSchedulesActionablePlans(t *testing.T) {
	store := newTestStore(t)
	project := t.TempDir()
	scanner := writeScanner(t, `[
		{"title": "Add retry logic", "description": "retry transient failures", "status": "todo", "file": "plans/retry.md"},
		{"title": "Migrate schema", "status": "in-progress", "file": "plans/schema.md"},
		{"title": "Old cleanup", "status": "completed", "file": "plans/cleanup.md"},
		{"title": "Abandoned idea", "status": "cancelled", "file": "plans/idea.md"}
	]`)

	res, err := NewImporter(store, scanner).Import(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Imported)
	assert.Equal(t, 2, res.Scheduled)
	assert.Equal(t, 0, res.Skipped)

	tasks, err := store.ListTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, project, task.Workdir)
	}

	pending, err := store.FindPending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestImportIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	project := t.TempDir()
	scanner := writeScanner(t, `[{"title": "Only once", "status": "todo"}]`)

	imp := NewImporter(store, scanner)
	_, err := imp.Import(context.Background(), project)
	require.NoError(t, err)

	res, err := imp.Import(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	tasks, err := store.ListTasks(10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestImportUnknownStatusDefaultsToTodo(t *testing.T) {
	store := newTestStore(t)
	scanner := writeScanner(t, `[{"title": "Weird status", "status": "wontfix-maybe"}]`)

	res, err := NewImporter(store, scanner).Import(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)

	tasks, err := store.ListTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStateTodo, tasks[0].State)
}

func TestImportRejectsBadProjectPaths(t *testing.T) {
	store := newTestStore(t)
	imp := NewImporter(store, writeScanner(t, `[]`))
	ctx := context.Background()

	_, err := imp.Import(ctx, "relative/path")
	assert.Error(t, err)

	_, err = imp.Import(ctx, "/tmp/nope; rm -rf /")
	assert.Error(t, err)

	_, err = imp.Import(ctx, filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = imp.Import(ctx, file)
	assert.Error(t, err)
}

func TestImportRejectsInvalidScannerOutput(t *testing.T) {
	store := newTestStore(t)
	scanner := writeScanner(t, `this is not json`)

	_, err := NewImporter(store, scanner).Import(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestImportWithoutScannerConfigured(t *testing.T) {
	store := newTestStore(t)
	imp := NewImporter(store, "")
	_, err := imp.Import(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "no plan scanner")
}
