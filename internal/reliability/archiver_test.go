package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-pb/inventory/internal/database"
)

type memStore struct {
	objects map[string][]byte
	times   map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), times: make(map[string]time.Time)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.times[key] = time.Now()
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range m.objects {
		out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data)), LastModified: m.times[key]})
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func TestCreateAndUploadArchive(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(database.Config{
		Path: filepath.Join(dir, "limits.db"),
		Name: "limits",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := newMemStore()
	arch := NewSnapshotArchiver(store, []*database.DB{db}, dir, 14, zerolog.Nop())
	require.NoError(t, arch.CreateAndUpload(context.Background()))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		_, ok := parseArchiveTimestamp(key)
		assert.True(t, ok, "archive name carries a parseable timestamp")

		meta := readMetadataFromArchive(t, data)
		require.Len(t, meta.Databases, 1)
		assert.Equal(t, "limits", meta.Databases[0].Name)
		assert.Equal(t, "limits.db", meta.Databases[0].Filename)
		assert.Contains(t, meta.Databases[0].Checksum, "sha256:")
		assert.Greater(t, meta.Databases[0].SizeBytes, int64(0))
	}
}

func TestRotateKeepsNewest(t *testing.T) {
	store := newMemStore()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		key := archivePrefix + base.Add(time.Duration(i)*time.Hour).Format(archiveTimeFmt) + ".tar.gz"
		store.objects[key] = []byte("x")
		store.times[key] = base
	}

	arch := NewSnapshotArchiver(store, nil, t.TempDir(), 4, zerolog.Nop())
	require.NoError(t, arch.Rotate(context.Background()))
	assert.Len(t, store.objects, 4)

	archives, err := arch.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 4)
	// Newest first, and the two oldest are gone.
	assert.True(t, archives[0].Timestamp.After(archives[3].Timestamp))
	assert.Equal(t, base.Add(2*time.Hour), archives[3].Timestamp)
}

func TestRotateNeverDropsBelowMinimum(t *testing.T) {
	store := newMemStore()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		key := archivePrefix + base.Add(time.Duration(i)*time.Hour).Format(archiveTimeFmt) + ".tar.gz"
		store.objects[key] = []byte("x")
	}

	arch := NewSnapshotArchiver(store, nil, t.TempDir(), 1, zerolog.Nop())
	require.NoError(t, arch.Rotate(context.Background()))
	assert.Len(t, store.objects, 3)
}

func readMetadataFromArchive(t *testing.T, data []byte) ArchiveMetadata {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		require.NoError(t, err, "metadata file present in archive")
		if hdr.Name != "archive-metadata.json" {
			continue
		}
		var meta ArchiveMetadata
		require.NoError(t, json.NewDecoder(tr).Decode(&meta))
		return meta
	}
}
