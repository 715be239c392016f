package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/queue"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	cat := catalog.New(filepath.Join(t.TempDir(), "database.json"))
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	return Deps{Catalog: cat, Queue: q}
}

func TestHandlePrepareValidatesDirectory(t *testing.T) {
	deps := newTestDeps(t)
	srv := &Server{deps: deps}

	out, err := srv.handlePrepare([]string{"/does/not/exist", "desc"})
	require.Error(t, err)
	assert.Empty(t, out)
}

func TestHandlePrepareEnqueuesAndRejectsDuplicate(t *testing.T) {
	deps := newTestDeps(t)
	srv := &Server{deps: deps}
	dir := t.TempDir()

	out, err := srv.handlePrepare([]string{dir, "desc"})
	require.NoError(t, err)
	assert.Contains(t, out, "queued prepare")

	_, err = srv.handlePrepare([]string{dir, "desc"})
	require.ErrorIs(t, err, catalog.ErrDuplicateEntry)
}

func TestHandleAbortRemovesNonRunningItem(t *testing.T) {
	deps := newTestDeps(t)
	srv := &Server{deps: deps}
	item, err := deps.Queue.Append(0, queue.KindPrepare, []string{"/x"}, "x")
	require.NoError(t, err)

	out, err := srv.handleAbort([]string{item.ShortID()})
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, found := deps.Queue.Find(item.ShortID())
	assert.False(t, found)
}

func TestHandleRestoreRejectsNonEmptyPath(t *testing.T) {
	deps := newTestDeps(t)
	srv := &Server{deps: deps}

	_, err := deps.Catalog.CreateEntry("/data/a", "")
	require.NoError(t, err)
	require.NoError(t, deps.Catalog.SetPrepared("/data/a", 10, false))
	require.NoError(t, deps.Catalog.SetArchivingQueued("/data/a", "AAK001"))
	require.NoError(t, deps.Catalog.SetArchiving("/data/a", "a"))
	require.NoError(t, deps.Catalog.SetArchived("/data/a", nil))

	restorePath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(restorePath, "existing"), []byte("x"), 0644))

	_, err = srv.handleRestore([]string{"/data/a", restorePath})
	require.Error(t, err)
}

func TestDispatchUnknownCommand(t *testing.T) {
	deps := newTestDeps(t)
	srv := &Server{deps: deps}
	out := srv.Dispatch([]string{"bogus"})
	assert.Contains(t, out, "error:")
}
