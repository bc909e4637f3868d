package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/s7g4/arti-hs-keymgmt/internal/crypto"
	"github.com/s7g4/arti-hs-keymgmt/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	recordExt   = ".json"
	snapshotExt = ".snapshot"

	lockFileName      = "keystore.lock"
	restoreMarkerName = "restore.pending"
)

// LockRetry bounds how long a writer waits for the keystore lock before
// giving up with a LockContentionError.
type LockRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultLockRetry is tuned for CLI invocations racing a daemon: quick
// to succeed when uncontended, bounded to about a second when not.
func DefaultLockRetry() LockRetry {
	return LockRetry{Attempts: 10, BaseDelay: 20 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
}

// FileSystemStore implements Store on a local state directory:
//
//	<root>/
//	  keys/               one record file per key specifier
//	  keystore.lock       advisory lock serializing writers
//	  state.json          service settings and metadata
//	  snapshots/          default snapshot output directory
//	  restore.pending     transient marker during a restore swap
//
// Writers take an exclusive advisory lock on keystore.lock for the
// duration of the mutation; snapshot enumeration takes a shared lock.
// Plain reads go lock-free: every record file is written with a
// temp-file-then-rename commit, so a reader never observes a torn
// record.
type FileSystemStore struct {
	root         string
	keysDir      string
	stateFile    string
	snapshotsDir string
	lockFile     string
	retry        LockRetry
}

// NewFileSystemStore opens (creating if needed) the keystore rooted at
// the given state directory. If a previous restore was interrupted
// mid-swap, it is rolled back deterministically before the store is
// handed to the caller.
func NewFileSystemStore(root string, retry LockRetry) (*FileSystemStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if retry.Attempts <= 0 {
		retry = DefaultLockRetry()
	}

	fs := &FileSystemStore{
		root:         root,
		keysDir:      filepath.Join(root, "keys"),
		stateFile:    filepath.Join(root, "state.json"),
		snapshotsDir: filepath.Join(root, "snapshots"),
		lockFile:     filepath.Join(root, lockFileName),
		retry:        retry,
	}

	for _, dir := range []string{fs.root, fs.keysDir, fs.snapshotsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.recoverPendingRestore(); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted restore: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	root, ok := config.Config["state_dir"].(string)
	if !ok || root == "" {
		return nil, fmt.Errorf("filesystem storage requires 'state_dir' in config")
	}
	return NewFileSystemStore(root, DefaultLockRetry())
}

// recoverPendingRestore handles a crash during a ReplaceAll swap. The
// policy is deterministic: if the new keys directory landed, roll
// forward by discarding the old one; otherwise roll back to the old
// directory. Staging leftovers are always discarded.
func (fs *FileSystemStore) recoverPendingRestore() error {
	marker := filepath.Join(fs.root, restoreMarkerName)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	debug.Print("recoverPendingRestore: found marker at %s\n", marker)

	oldDir := fs.keysDir + ".old"
	stagingDir := fs.keysDir + ".staging"

	keysExists := dirExists(fs.keysDir)
	oldExists := dirExists(oldDir)

	switch {
	case !keysExists && oldExists:
		// Crash between moving the live directory aside and moving
		// the staged one in. Roll back.
		if err := os.Rename(oldDir, fs.keysDir); err != nil {
			return fmt.Errorf("failed to roll back keystore: %w", err)
		}
		debug.Print("recoverPendingRestore: rolled back to previous keystore\n")
	case keysExists && oldExists:
		// The staged directory landed; the swap was all but complete.
		// Roll forward by discarding the superseded contents.
		if err := os.RemoveAll(oldDir); err != nil {
			return fmt.Errorf("failed to discard superseded keystore: %w", err)
		}
		debug.Print("recoverPendingRestore: rolled forward, discarded old keystore\n")
	case !keysExists && !oldExists:
		// Nothing usable either side; recreate an empty keys dir so
		// the store is at least openable.
		if err := os.MkdirAll(fs.keysDir, DirPermissions); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("failed to discard staging directory: %w", err)
	}
	return os.Remove(marker)
}

func (fs *FileSystemStore) recordPath(name string) string {
	return filepath.Join(fs.keysDir, name+recordExt)
}

// GetRecord reads one record. Lock-free: record files are committed
// atomically, so the read either sees a complete record or none.
func (fs *FileSystemStore) GetRecord(name string) (*KeyRecord, error) {
	data, err := os.ReadFile(fs.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read key record %s: %w", name, err)
	}
	var rec KeyRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse key record %s: %w", name, err)
	}
	if err = validateRecord(&rec); err != nil {
		return nil, fmt.Errorf("corrupt key record %s: %w", name, err)
	}
	return &rec, nil
}

// PutRecord commits a record under the writer lock. The existence check
// and the write happen inside the same critical section, so two racing
// puts to the same name resolve to exactly one winner.
func (fs *FileSystemStore) PutRecord(rec *KeyRecord, overwrite bool) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("record with a name is required")
	}
	if err := validateRecordName(rec.Name); err != nil {
		return err
	}
	return fs.withExclusiveLock(func() error {
		path := fs.recordPath(rec.Name)
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("key record %s: %w", rec.Name, ErrAlreadyExists)
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("failed to check key record %s: %w", rec.Name, err)
			}
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal key record: %w", err)
		}
		return writeSecureFile(path, data, FilePermissions)
	})
}

// RemoveRecord deletes a record under the writer lock and reports
// whether one existed.
func (fs *FileSystemStore) RemoveRecord(name string) (existed bool, err error) {
	if err = validateRecordName(name); err != nil {
		return false, err
	}
	err = fs.withExclusiveLock(func() error {
		path := fs.recordPath(name)
		if rmErr := os.Remove(path); rmErr != nil {
			if os.IsNotExist(rmErr) {
				existed = false
				return nil
			}
			return fmt.Errorf("failed to remove key record %s: %w", name, rmErr)
		}
		existed = true
		return fs.syncDir(fs.keysDir)
	})
	return existed, err
}

// ListRecords re-enumerates the keys directory. Unparseable files are
// skipped with a debug note rather than failing the whole listing; a
// torn record cannot appear because commits are atomic.
func (fs *FileSystemStore) ListRecords() ([]*KeyRecord, error) {
	entries, err := os.ReadDir(fs.keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keystore directory: %w", err)
	}

	var records []*KeyRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), recordExt)
		rec, err := fs.GetRecord(name)
		if err != nil {
			debug.Print("ListRecords: skipping %s: %v\n", entry.Name(), err)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// ExportAll takes a shared lock so no writer can commit while the
// point-in-time view is assembled.
func (fs *FileSystemStore) ExportAll() ([]*KeyRecord, *ServiceState, error) {
	var records []*KeyRecord
	var state *ServiceState
	err := fs.withSharedLock(func() error {
		var err error
		records, err = fs.ListRecords()
		if err != nil {
			return err
		}
		state, err = fs.LoadState()
		if err != nil && err != ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, state, nil
}

// ReplaceAll swaps the whole store for the given contents. The new keys
// directory is fully staged and fsynced first; the directory renames
// are bracketed by the restore.pending marker so a crash at any point
// resolves deterministically on the next open.
func (fs *FileSystemStore) ReplaceAll(records []*KeyRecord, state *ServiceState) error {
	return fs.withExclusiveLock(func() error {
		stagingDir := fs.keysDir + ".staging"
		oldDir := fs.keysDir + ".old"
		marker := filepath.Join(fs.root, restoreMarkerName)

		if err := os.RemoveAll(stagingDir); err != nil {
			return fmt.Errorf("failed to clear staging directory: %w", err)
		}
		if err := os.MkdirAll(stagingDir, DirPermissions); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}

		for _, rec := range records {
			if err := validateRecordName(rec.Name); err != nil {
				return err
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal key record %s: %w", rec.Name, err)
			}
			path := filepath.Join(stagingDir, rec.Name+recordExt)
			if err = writeSecureFile(path, data, FilePermissions); err != nil {
				return fmt.Errorf("failed to stage key record %s: %w", rec.Name, err)
			}
		}
		if err := fs.syncDir(stagingDir); err != nil {
			return err
		}

		// Point of no return: mark the swap, then perform it.
		if err := writeSecureFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), FilePermissions); err != nil {
			return fmt.Errorf("failed to write restore marker: %w", err)
		}
		if err := os.RemoveAll(oldDir); err != nil {
			return fmt.Errorf("failed to clear old directory: %w", err)
		}
		if err := os.Rename(fs.keysDir, oldDir); err != nil {
			_ = os.Remove(marker)
			return fmt.Errorf("failed to move live keystore aside: %w", err)
		}
		if err := os.Rename(stagingDir, fs.keysDir); err != nil {
			// Swap failed halfway; put the old directory back now
			// rather than waiting for recovery on the next open.
			_ = os.Rename(oldDir, fs.keysDir)
			_ = os.Remove(marker)
			return fmt.Errorf("failed to move staged keystore in place: %w", err)
		}

		if state != nil {
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal state: %w", err)
			}
			if err = writeSecureFile(fs.stateFile, data, FilePermissions); err != nil {
				return fmt.Errorf("failed to write state: %w", err)
			}
		} else {
			if err := os.Remove(fs.stateFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove state: %w", err)
			}
		}

		if err := os.RemoveAll(oldDir); err != nil {
			return fmt.Errorf("failed to discard old keystore: %w", err)
		}
		return os.Remove(marker)
	})
}

// Clear removes every record and the state file. Idempotent: clearing
// an already-empty store succeeds as a no-op.
func (fs *FileSystemStore) Clear() error {
	return fs.withExclusiveLock(func() error {
		entries, err := os.ReadDir(fs.keysDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read keystore directory: %w", err)
		}
		for _, entry := range entries {
			if err = os.RemoveAll(filepath.Join(fs.keysDir, entry.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
			}
		}
		if err = os.Remove(fs.stateFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove state: %w", err)
		}
		return fs.syncDir(fs.keysDir)
	})
}

// LoadState reads the service state file.
func (fs *FileSystemStore) LoadState() (*ServiceState, error) {
	data, err := os.ReadFile(fs.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var state ServiceState
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

// SaveState persists the service state under the writer lock.
func (fs *FileSystemStore) SaveState(state *ServiceState) error {
	if state == nil {
		return fmt.Errorf("state is required")
	}
	return fs.withExclusiveLock(func() error {
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		return writeSecureFile(fs.stateFile, data, FilePermissions)
	})
}

// SaveSnapshot writes a snapshot container. A bare filename lands in
// the store's snapshots directory; an existing directory gets a
// timestamped filename inside it.
func (fs *FileSystemStore) SaveSnapshot(path string, container *SnapshotContainer) (string, error) {
	if container == nil {
		return "", fmt.Errorf("snapshot container is required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = fs.snapshotsDir
	}
	path = filepath.Clean(path)

	if stat, err := os.Stat(path); err == nil && stat.IsDir() {
		name := fmt.Sprintf("snapshot_%s%s", container.CreatedAt.UTC().Format("20060102_150405"), snapshotExt)
		path = filepath.Join(path, name)
	} else if !filepath.IsAbs(path) && !strings.Contains(path, string(os.PathSeparator)) {
		path = filepath.Join(fs.snapshotsDir, path)
	}
	if !strings.HasSuffix(path, snapshotExt) {
		path += snapshotExt
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot container: %w", err)
	}
	if err = writeSecureFile(path, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a snapshot container and verifies its checksum.
func (fs *FileSystemStore) LoadSnapshot(path string) (*SnapshotContainer, error) {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) && !strings.Contains(path, string(os.PathSeparator)) {
		path = filepath.Join(fs.snapshotsDir, path)
	}
	if !strings.HasSuffix(path, snapshotExt) {
		if stat, err := os.Stat(path); err != nil || !stat.Mode().IsRegular() {
			path += snapshotExt
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var container SnapshotContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if valid, reason := validateSnapshotContainer(&container); !valid {
		return nil, fmt.Errorf("invalid snapshot %s: %s", path, reason)
	}
	return &container, nil
}

// ListSnapshots enumerates snapshot files under a directory, reporting
// checksum validity per file without decrypting anything.
func (fs *FileSystemStore) ListSnapshots(dir string) ([]SnapshotInfo, error) {
	if strings.TrimSpace(dir) == "" {
		dir = fs.snapshotsDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SnapshotInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var infos []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			debug.Print("ListSnapshots: skipping %s: %v\n", entry.Name(), err)
			continue
		}
		var container SnapshotContainer
		if err = json.Unmarshal(data, &container); err != nil {
			debug.Print("ListSnapshots: skipping %s: %v\n", entry.Name(), err)
			continue
		}
		valid, _ := validateSnapshotContainer(&container)
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotInfo{
			SnapshotID:    container.SnapshotID,
			CreatedAt:     container.CreatedAt,
			FormatVersion: container.FormatVersion,
			Generation:    container.Generation,
			FileSize:      stat.Size(),
			IsValid:       valid,
			StorePath:     path,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.keysDir)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Root returns the state directory the store was opened on.
func (fs *FileSystemStore) Root() string {
	return fs.root
}

func validateSnapshotContainer(container *SnapshotContainer) (bool, string) {
	if container.SnapshotID == "" {
		return false, "missing snapshot ID"
	}
	if container.FormatVersion == "" {
		return false, "missing format version"
	}
	if container.EncryptedData == "" {
		return false, "missing encrypted data"
	}
	if container.Checksum == "" {
		return false, "missing checksum"
	}
	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in encrypted data: %v", err)
	}
	if actual := crypto.CalculateChecksum(encrypted); actual != container.Checksum {
		return false, fmt.Sprintf("checksum mismatch: expected %s, actual %s", container.Checksum, actual)
	}
	return true, ""
}

func validateRecord(rec *KeyRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("missing name")
	}
	if rec.PublicKey == "" {
		return fmt.Errorf("missing public key")
	}
	if rec.EncryptedSecretKey != "" && rec.Checksum != "" {
		blob, err := base64.StdEncoding.DecodeString(rec.EncryptedSecretKey)
		if err != nil {
			return fmt.Errorf("invalid base64 in encrypted secret: %w", err)
		}
		if actual := crypto.CalculateChecksum(blob); actual != rec.Checksum {
			return fmt.Errorf("checksum mismatch on encrypted secret")
		}
	}
	return nil
}

// validateRecordName rejects names that could escape the keys
// directory.
func validateRecordName(name string) error {
	if name == "" {
		return fmt.Errorf("record name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") || strings.ContainsAny(name, "\x00") {
		return fmt.Errorf("record name %q contains invalid characters", name)
	}
	if len(name) > 255 {
		return fmt.Errorf("record name too long (max 255 characters)")
	}
	return nil
}

// writeSecureFile commits data with the temp-file-then-rename pattern:
// the content is fully written and fsynced before it becomes visible
// under its final name, so a crash never leaves a partial file.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// syncDir flushes directory metadata so renames and removals are
// durable before the operation reports success.
func (fs *FileSystemStore) syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()
	if err = d.Sync(); err != nil {
		// Some filesystems refuse to fsync directories; durability of
		// the rename itself is still guaranteed by the data fsync.
		debug.Print("syncDir: %s: %v\n", dir, err)
	}
	return nil
}

func dirExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}
