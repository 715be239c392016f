package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/queue"
)

func TestParseDuOutput(t *testing.T) {
	kb, err := parseDuOutput("12345\t/some/dir\n")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), kb)
}

func TestParseDuOutputEmpty(t *testing.T) {
	_, err := parseDuOutput("")
	require.Error(t, err)
}

func TestExcludeArgsFor(t *testing.T) {
	args := excludeArgsFor([]string{"tmp", ".cache"})
	assert.Equal(t, []string{
		"-not", "-path", "./tmp/*",
		"-not", "-path", "./.cache/*",
	}, args)
}

func TestSuffixFor(t *testing.T) {
	assert.Equal(t, ".tar.gz", suffixFor(true))
	assert.Equal(t, "", suffixFor(false))
}

func withFakePath(t *testing.T, scripts map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, out := range scripts {
		path := filepath.Join(dir, name)
		script := "#!/bin/sh\nprintf '" + out + "'\n"
		require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	}
	old := os.Getenv("PATH")
	os.Setenv("PATH", dir+":"+old)
	t.Cleanup(func() { os.Setenv("PATH", old) })
}

func TestPrepareRevertsOnPreexistingAbort(t *testing.T) {
	withFakePath(t, map[string]string{
		"du": "1000\\t/data/a\\n",
	})

	cat := catalog.New(filepath.Join(t.TempDir(), "database.json"))
	_, err := cat.CreateEntry("/data/a", "desc")
	require.NoError(t, err)

	d := &Deps{Catalog: cat}
	handler := Prepare(d)

	item, err := queue.New(filepath.Join(t.TempDir(), "queue.json")).Append(0, queue.KindPrepare, []string{"/data/a"}, "desc")
	require.NoError(t, err)
	item.RequestAbort()

	err = handler(context.Background(), item)
	require.NoError(t, err)

	_, err = cat.Get("/data/a")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestAgeBucketRecent(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "recent", ageBucket(dir))
}
