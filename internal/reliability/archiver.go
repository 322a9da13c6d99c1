package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/database"
)

const (
	archivePrefix  = "inventory-snapshot-"
	archiveTimeFmt = "2006-01-02-150405"

	// minArchivesToKeep archives survive rotation regardless of retention.
	minArchivesToKeep = 3
)

// ArchiveMetadata describes the contents of one snapshot archive.
type ArchiveMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes a stored archive for the listing surface.
type ArchiveInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// SnapshotArchiver packages consistent copies of the platform databases into
// tar.gz archives and ships them to object storage.
type SnapshotArchiver struct {
	store       ObjectStore
	databases   []*database.DB
	dataDir     string
	retainCount int
	breaker     *CircuitBreaker
	retry       RetryConfig
	log         zerolog.Logger
}

// NewSnapshotArchiver creates an archiver over the given databases.
func NewSnapshotArchiver(store ObjectStore, databases []*database.DB, dataDir string, retainCount int, log zerolog.Logger) *SnapshotArchiver {
	return &SnapshotArchiver{
		store:       store,
		databases:   databases,
		dataDir:     dataDir,
		retainCount: retainCount,
		breaker:     NewCircuitBreaker("archive_upload", 3, 5*time.Minute, log),
		retry:       DefaultRetryConfig(),
		log:         log.With().Str("component", "snapshot_archiver").Logger(),
	}
}

// CreateAndUpload snapshots every database, builds the archive and uploads
// it. The staging directory is removed on exit.
func (a *SnapshotArchiver) CreateAndUpload(ctx context.Context) error {
	start := time.Now()
	a.log.Info().Msg("Starting snapshot archive")

	stagingDir := filepath.Join(a.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	meta := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(a.databases)),
	}
	var files []string

	for _, db := range a.databases {
		filename := db.Name() + ".db"
		dest := filepath.Join(stagingDir, filename)
		if err := a.snapshotDatabase(db, dest); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("failed to stat snapshot of %s: %w", db.Name(), err)
		}
		checksum, err := fileChecksum(dest)
		if err != nil {
			return fmt.Errorf("failed to checksum snapshot of %s: %w", db.Name(), err)
		}

		meta.Databases = append(meta.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	metaPath := filepath.Join(stagingDir, "archive-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write archive metadata: %w", err)
	}
	files = append(files, "archive-metadata.json")

	archiveName := archivePrefix + time.Now().Format(archiveTimeFmt) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	err = a.breaker.Do(func() error {
		return Retry(ctx, a.retry, a.log, "archive upload", func() error {
			f, err := os.Open(archivePath)
			if err != nil {
				return err
			}
			defer f.Close()
			return a.store.Upload(ctx, archiveName, f)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	a.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Dur("duration_ms", time.Since(start)).
		Msg("Snapshot archive uploaded")
	return nil
}

// ListArchives returns the stored archives, newest first.
func (a *SnapshotArchiver) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := a.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	now := time.Now()
	out := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseArchiveTimestamp(obj.Key)
		if !ok {
			a.log.Warn().Str("key", obj.Key).Msg("Skipping object with unparseable name")
			continue
		}
		out = append(out, ArchiveInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Rotate deletes archives beyond the retain count, always keeping the newest
// few regardless of configuration.
func (a *SnapshotArchiver) Rotate(ctx context.Context) error {
	archives, err := a.ListArchives(ctx)
	if err != nil {
		return err
	}

	keep := a.retainCount
	if keep < minArchivesToKeep {
		keep = minArchivesToKeep
	}
	if len(archives) <= keep {
		return nil
	}

	deleted := 0
	for _, arc := range archives[keep:] {
		if err := a.store.Delete(ctx, arc.Filename); err != nil {
			a.log.Error().Err(err).Str("filename", arc.Filename).Msg("Failed to delete old archive")
			continue
		}
		deleted++
	}
	a.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Archive rotation completed")
	return nil
}

// snapshotDatabase writes a consistent point-in-time copy of the database.
// VACUUM INTO runs inside SQLite, so readers and the partition writers are
// never blocked. VACUUM does not accept bound parameters, hence the quoted
// literal.
func (a *SnapshotArchiver) snapshotDatabase(db *database.DB, dest string) error {
	_, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(dest, "'", "''")))
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, meta ArchiveMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range filenames {
		if err := addFileToArchive(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func parseArchiveTimestamp(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	ts, err := time.Parse(archiveTimeFmt, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
