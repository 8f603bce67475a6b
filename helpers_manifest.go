// gocodeintel/helpers_manifest.go
// Persistent record of outline helper builds (bbolt + gob), so a restarted
// process can reuse a helper built by an earlier one.
package gocodeintel

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var manifestBucketName = []byte("OutlineHelperBuilds")

// manifestEntry describes one successful helper build.
type manifestEntry struct {
	SchemaVersion int
	HelperPath    string
	SourceHash    string // sha256 of the embedded helper source.
	GoExeModTime  int64  // Unix nanoseconds of the toolchain binary at build time.
	BuiltAt       time.Time
}

// buildManifest stores manifestEntry values keyed by go executable path.
type buildManifest struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// openBuildManifest opens (creating if needed) the manifest database at path.
func openBuildManifest(path string, logger *slog.Logger) (*buildManifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating manifest directory: %w", ErrCacheWrite, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening manifest %s: %w", ErrCacheRead, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(manifestBucketName); err != nil {
			return fmt.Errorf("failed to create manifest bucket %s: %w", string(manifestBucketName), err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	logger.Debug("Opened outline helper build manifest", "path", path)
	return &buildManifest{db: db, logger: logger}, nil
}

// lookup returns the entry recorded for goExe, if any.
func (m *buildManifest) lookup(goExe string) (manifestEntry, bool, error) {
	var entry manifestEntry
	var found bool
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(manifestBucketName)
		if b == nil {
			return fmt.Errorf("%w: manifest bucket missing", ErrCacheRead)
		}
		raw := b.Get([]byte(goExe))
		if raw == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheDecode, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return manifestEntry{}, false, err
	}
	if found && entry.SchemaVersion != manifestSchemaVersion {
		m.logger.Debug("Ignoring manifest entry with stale schema", "go_exe", goExe, "schema", entry.SchemaVersion)
		return manifestEntry{}, false, nil
	}
	return entry, found, nil
}

// record stores entry for goExe.
func (m *buildManifest) record(goExe string, entry manifestEntry) error {
	entry.SchemaVersion = manifestSchemaVersion
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("%w: encoding manifest entry: %w", ErrCacheWrite, err)
	}
	err := m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(manifestBucketName)
		if b == nil {
			return errors.New("manifest bucket missing")
		}
		return b.Put([]byte(goExe), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	return nil
}

// forget removes any entry for goExe.
func (m *buildManifest) forget(goExe string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(manifestBucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(goExe))
	})
}

func (m *buildManifest) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}
