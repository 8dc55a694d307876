package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return store
}

func testKey(filename string) Key {
	return Key{App: "testapp", User: "user-1", Session: "sess-1", Filename: filename}
}

func TestSaveAssignsVersionsAscending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey("report.md")

	first, err := store.Save(ctx, key, []byte("v1"), Metadata{MimeType: "text/markdown"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := store.Save(ctx, key, []byte("v2"), Metadata{MimeType: "text/markdown"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	data, err := store.Load(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	data, err = store.Load(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	versions, err := store.Versions(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestLoadMetadataSidecar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uri, err := store.Save(ctx, testKey("notes.txt"), []byte("hello"), Metadata{
		MimeType:    "text/plain",
		Description: "meeting notes",
		Extra:       map[string]any{"source": "upload"},
	})
	require.NoError(t, err)

	meta, err := store.LoadMetadata(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", meta.Filename)
	assert.Equal(t, "text/plain", meta.MimeType)
	assert.Equal(t, "meeting notes", meta.Description)
	assert.Equal(t, int64(5), meta.SizeBytes)
	assert.NotEmpty(t, meta.CreatedAt)
}

func TestLoadMissingArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uri := URI{App: "testapp", User: "user-1", Session: "sess-1", Filename: "ghost", Version: 1}
	_, err := store.Load(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadMetadata(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Versions(ctx, testKey("ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptedMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uri, err := store.Save(ctx, testKey("data.bin"), []byte{1, 2, 3}, Metadata{})
	require.NoError(t, err)

	sidecar := filepath.Join(store.base, "testapp", "user-1", "sess-1", "data.bin", "1"+MetadataSuffix)
	require.NoError(t, os.WriteFile(sidecar, []byte("{not json"), 0o644))

	_, err = store.LoadMetadata(ctx, uri)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestListReturnsLatestVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, testKey("b.txt"), []byte("b1"), Metadata{})
	require.NoError(t, err)
	_, err = store.Save(ctx, testKey("b.txt"), []byte("b2"), Metadata{})
	require.NoError(t, err)
	_, err = store.Save(ctx, testKey("a.txt"), []byte("a1"), Metadata{})
	require.NoError(t, err)

	infos, err := store.List(ctx, "testapp", "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.txt", infos[0].URI.Filename)
	assert.Equal(t, 1, infos[0].URI.Version)
	assert.Equal(t, "b.txt", infos[1].URI.Filename)
	assert.Equal(t, 2, infos[1].URI.Version)

	infos, err = store.List(ctx, "testapp", "user-1", "empty-session")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey("scratch.txt")

	uri, err := store.Save(ctx, key, []byte("x"), Metadata{})
	require.NoError(t, err)
	_, err = store.Save(ctx, key, []byte("y"), Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Load(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, key), ErrNotFound)
}

func TestPathTraversalIsNeutralized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uri, err := store.Save(ctx, Key{
		App: "testapp", User: "../../etc", Session: "sess", Filename: "passwd",
	}, []byte("nope"), Metadata{})
	require.NoError(t, err)

	data, err := store.Load(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("nope"), data)

	// Nothing may be written outside the store root.
	outside := filepath.Join(store.base, "..", "..")
	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "etc", e.Name())
	}
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI{App: "testapp", User: "user one", Session: "sess-1", Filename: "my report.md", Version: 3}
	parsed, err := ParseURI(uri.String())
	require.NoError(t, err)
	assert.Equal(t, uri, parsed)
}

func TestParseURIRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		"http://testapp/u/s/f",
		"artifact://testapp/only/two",
		"artifact://testapp/u/s/f?version=0",
		"artifact://testapp/u/s/f?version=abc",
	} {
		_, err := ParseURI(raw)
		assert.Error(t, err, raw)
	}

	uri, err := ParseURI("artifact://testapp/u/s/f")
	require.NoError(t, err)
	assert.Equal(t, 1, uri.Version, "version defaults to 1")
}
