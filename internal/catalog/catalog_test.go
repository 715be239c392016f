package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "database.json"))
}

func TestCreateEntryRejectsDuplicate(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.CreateEntry("/data/a", "desc")
	require.NoError(t, err)
	_, err = c.CreateEntry("/data/a", "desc2")
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestStateMachineMonotonic(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.CreateEntry("/data/a", "desc")
	require.NoError(t, err)

	// Setters called from the wrong source state are rejected.
	require.ErrorIs(t, c.SetArchivingQueued("/data/a", "AAK123"), ErrInvalidTransition)
	require.ErrorIs(t, c.SetArchiving("/data/a", "a"), ErrInvalidTransition)
	require.ErrorIs(t, c.SetArchived("/data/a", nil), ErrInvalidTransition)

	require.NoError(t, c.SetPrepared("/data/a", 1000, false))
	require.ErrorIs(t, c.SetPrepared("/data/a", 1000, false), ErrInvalidTransition)

	require.NoError(t, c.SetArchivingQueued("/data/a", "AAK123"))
	require.NoError(t, c.SetArchiving("/data/a", "a"))
	require.NoError(t, c.SetArchived("/data/a", nil))

	rec, err := c.Get("/data/a")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, rec.State)
	assert.NotNil(t, rec.Archived)
}

// Scenario 1 from the daemon's end-to-end placement test matrix.
func TestPlaceDirectoryScenario(t *testing.T) {
	c := newTestCatalog(t)
	const maxSize = int64(17_000_000_000)

	seed := []struct {
		dir  string
		tape string
		size int64
	}{
		{"/f/folder4", "AAK123", 5_000_000_000},
		{"/f/folder6", "AAK123", 2_000_000_000},
		{"/f/folder7", "AAK123", 1_000_000_000},
		{"/f/folder3", "AAK123", 20_000_000},
		{"/f/folder8", "AAK124", 7_000_000_000},
		{"/f/folder5", "AAK125", 1_010_000},
	}
	for _, s := range seed {
		_, err := c.CreateEntry(s.dir, "")
		require.NoError(t, err)
		require.NoError(t, c.SetPrepared(s.dir, s.size, false))
		require.NoError(t, c.SetArchivingQueued(s.dir, s.tape))
		require.NoError(t, c.SetArchiving(s.dir, filepath.Base(s.dir)))
		require.NoError(t, c.SetArchived(s.dir, nil))
	}

	tapes := []string{"AAK123", "AAK124", "AAK125", "AAK126"}

	tape, err := c.PlaceDirectory(8_400_000_000_000, tapes, maxSize)
	require.NoError(t, err)
	assert.Equal(t, DoesntFit, tape)

	tape, err = c.PlaceDirectory(9_000_000_000, tapes, maxSize)
	require.NoError(t, err)
	assert.Equal(t, "AAK124", tape)
}

func TestPlaceDirectoryStrictlyLessThan(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.CreateEntry("/f/full", "")
	require.NoError(t, err)
	require.NoError(t, c.SetPrepared("/f/full", 10, false))
	require.NoError(t, c.SetArchivingQueued("/f/full", "AAK001"))
	require.NoError(t, c.SetArchiving("/f/full", "full"))
	require.NoError(t, c.SetArchived("/f/full", nil))

	// used(10) + size(10) == maxSize(20): rejected, strict <.
	tape, err := c.PlaceDirectory(10, []string{"AAK001"}, 20)
	require.NoError(t, err)
	assert.Equal(t, DoesntFit, tape)
}

func TestSuggestOnTapeNameUsesBasename(t *testing.T) {
	c := newTestCatalog(t)
	name, err := c.SuggestOnTapeName("/data/project", "AAK001")
	require.NoError(t, err)
	assert.Equal(t, "project", name)
}

func TestRemoveEntryReturnsNeverExisted(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.CreateEntry("/data/a", "")
	require.NoError(t, err)
	require.NoError(t, c.RemoveEntry("/data/a"))
	_, err = c.Get("/data/a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFormatIsPureFunction(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.CreateEntry("/data/a", "")
	require.NoError(t, err)
	require.NoError(t, c.SetPrepared("/data/a", 1000, false))

	out1, err := c.Format([]string{"AAK001"}, 17_000_000_000, false)
	require.NoError(t, err)
	out2, err := c.Format([]string{"AAK001"}, 17_000_000_000, false)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}
