package persist

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s7g4/arti-hs-keymgmt/internal/crypto"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir(), DefaultLockRetry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testRecord builds a well-formed record with a consistent checksum
// over random encrypted-secret bytes.
func testRecord(t *testing.T, name string) *KeyRecord {
	t.Helper()
	blob := make([]byte, 64)
	_, err := rand.Read(blob)
	require.NoError(t, err)

	return &KeyRecord{
		Name:               name,
		Role:               "ks-hsc-desc-enc",
		Address:            "exampleexampleexampleexampleexampleexampleexampleexample.onion",
		Algorithm:          "x25519",
		PublicKey:          "MFRGGZDFMZTWQ2LK",
		EncryptedSecretKey: base64.StdEncoding.EncodeToString(blob),
		Encryption:         "argon2id-chacha20poly1305",
		Checksum:           crypto.CalculateChecksum(blob),
		CreatedAt:          time.Now().UTC(),
		Generation:         "gen-1",
		Version:            1,
	}
}

func TestFileSystemStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"PutGetRoundTrip", testPutGetRoundTrip},
		{"PutWithoutOverwriteRejectsDuplicate", testPutWithoutOverwriteRejectsDuplicate},
		{"ConcurrentPutSingleWinner", testConcurrentPutSingleWinner},
		{"RemoveReportsExistence", testRemoveReportsExistence},
		{"ListRecordsSortedAndSkipsBadFiles", testListRecordsSortedAndSkipsBadFiles},
		{"RecordChecksumDetectsTampering", testRecordChecksumDetectsTampering},
		{"RecordNamesCannotEscape", testRecordNamesCannotEscape},
		{"StateRoundTrip", testStateRoundTrip},
		{"ReplaceAllSwapsContents", testReplaceAllSwapsContents},
		{"ClearIsIdempotent", testClearIsIdempotent},
		{"RecoverRollsBackInterruptedRestore", testRecoverRollsBackInterruptedRestore},
		{"RecoverRollsForwardCompletedSwap", testRecoverRollsForwardCompletedSwap},
		{"LockContention", testLockContention},
		{"RecordFilePermissions", testRecordFilePermissions},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(t, "roundtrip")

	require.NoError(t, store.PutRecord(rec, false))

	got, err := store.GetRecord("roundtrip")
	require.NoError(t, err)
	require.Equal(t, rec.Name, got.Name)
	require.Equal(t, rec.PublicKey, got.PublicKey)
	require.Equal(t, rec.EncryptedSecretKey, got.EncryptedSecretKey)
	require.Equal(t, rec.Checksum, got.Checksum)

	_, err = store.GetRecord("absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func testPutWithoutOverwriteRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	first := testRecord(t, "dup")
	require.NoError(t, store.PutRecord(first, false))

	second := testRecord(t, "dup")
	err := store.PutRecord(second, false)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The first record is untouched
	got, err := store.GetRecord("dup")
	require.NoError(t, err)
	require.Equal(t, first.Checksum, got.Checksum)

	// With overwrite the second record replaces it
	require.NoError(t, store.PutRecord(second, true))
	got, err = store.GetRecord("dup")
	require.NoError(t, err)
	require.Equal(t, second.Checksum, got.Checksum)
}

func testConcurrentPutSingleWinner(t *testing.T) {
	store := newTestStore(t)
	recs := []*KeyRecord{testRecord(t, "contended"), testRecord(t, "contended")}

	var wg sync.WaitGroup
	errs := make([]error, len(recs))
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.PutRecord(recs[i], false)
		}(i)
	}
	wg.Wait()

	// The existence check and the write share one critical section, so
	// exactly one put wins and the other sees ErrAlreadyExists.
	var winner *KeyRecord
	losses := 0
	for i, err := range errs {
		if err == nil {
			require.Nil(t, winner, "both puts claimed the win")
			winner = recs[i]
		} else {
			require.ErrorIs(t, err, ErrAlreadyExists)
			losses++
		}
	}
	require.NotNil(t, winner)
	require.Equal(t, 1, losses)

	// The stored record is the winner's, not a blend.
	got, err := store.GetRecord("contended")
	require.NoError(t, err)
	require.Equal(t, winner.Checksum, got.Checksum)
	require.Equal(t, winner.EncryptedSecretKey, got.EncryptedSecretKey)

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func testRemoveReportsExistence(t *testing.T) {
	store := newTestStore(t)

	existed, err := store.RemoveRecord("never-there")
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, store.PutRecord(testRecord(t, "doomed"), false))
	existed, err = store.RemoveRecord("doomed")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = store.GetRecord("doomed")
	require.ErrorIs(t, err, ErrNotFound)
}

func testListRecordsSortedAndSkipsBadFiles(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, store.PutRecord(testRecord(t, name), false))
	}

	// Junk in the keys directory must not break enumeration
	require.NoError(t, os.WriteFile(filepath.Join(store.keysDir, "garbage.json"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(store.keysDir, "ignored.txt"), []byte("x"), 0600))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "alpha", records[0].Name)
	require.Equal(t, "bravo", records[1].Name)
	require.Equal(t, "charlie", records[2].Name)
}

func testRecordChecksumDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord(t, "tampered")
	rec.Checksum = crypto.CalculateChecksum([]byte("something else entirely"))
	require.NoError(t, store.PutRecord(rec, false))

	_, err := store.GetRecord("tampered")
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func testRecordNamesCannotEscape(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "../evil", "a/b", "a\\b", "nul\x00byte"} {
		err := store.PutRecord(testRecord(t, name), false)
		require.Error(t, err, "name %q should be rejected", name)
		_, err = store.RemoveRecord(name)
		require.Error(t, err, "name %q should be rejected", name)
	}
}

func testStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadState()
	require.ErrorIs(t, err, ErrNotFound)

	state := &ServiceState{
		Version:    "1",
		Generation: "gen-abc",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
		Settings:   map[string]string{"mode": "restricted-discovery"},
	}
	require.NoError(t, store.SaveState(state))

	got, err := store.LoadState()
	require.NoError(t, err)
	require.Equal(t, state.Generation, got.Generation)
	require.Equal(t, state.Settings, got.Settings)
}

func testReplaceAllSwapsContents(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutRecord(testRecord(t, "before-1"), false))
	require.NoError(t, store.PutRecord(testRecord(t, "before-2"), false))
	require.NoError(t, store.SaveState(&ServiceState{Version: "1", Generation: "old-gen"}))

	wanted := []*KeyRecord{testRecord(t, "after-1"), testRecord(t, "after-2"), testRecord(t, "after-3")}
	state := &ServiceState{Version: "1", Generation: "new-gen"}
	require.NoError(t, store.ReplaceAll(wanted, state))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, name := range []string{"after-1", "after-2", "after-3"} {
		require.Equal(t, name, records[i].Name)
	}

	got, err := store.LoadState()
	require.NoError(t, err)
	require.Equal(t, "new-gen", got.Generation)

	// No swap leftovers remain
	require.NoDirExists(t, store.keysDir+".old")
	require.NoDirExists(t, store.keysDir+".staging")
	require.NoFileExists(t, filepath.Join(store.root, restoreMarkerName))
}

func testClearIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Clear())

	require.NoError(t, store.PutRecord(testRecord(t, "gone"), false))
	require.NoError(t, store.SaveState(&ServiceState{Version: "1", Generation: "g"}))

	require.NoError(t, store.Clear())
	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Empty(t, records)
	_, err = store.LoadState()
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Clear())
}

// Simulates a crash after the live keys directory was moved aside but
// before the staged one landed. Reopening must roll back.
func testRecoverRollsBackInterruptedRestore(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root, DefaultLockRetry())
	require.NoError(t, err)
	rec := testRecord(t, "survivor")
	require.NoError(t, store.PutRecord(rec, false))
	require.NoError(t, store.Close())

	require.NoError(t, os.Rename(filepath.Join(root, "keys"), filepath.Join(root, "keys.old")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "keys.staging"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, restoreMarkerName), []byte("t"), 0600))

	store, err = NewFileSystemStore(root, DefaultLockRetry())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetRecord("survivor")
	require.NoError(t, err)
	require.Equal(t, rec.Checksum, got.Checksum)

	require.NoDirExists(t, filepath.Join(root, "keys.old"))
	require.NoDirExists(t, filepath.Join(root, "keys.staging"))
	require.NoFileExists(t, filepath.Join(root, restoreMarkerName))
}

// Simulates a crash after the staged directory landed but before the
// old one was discarded. Reopening must roll forward.
func testRecoverRollsForwardCompletedSwap(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root, DefaultLockRetry())
	require.NoError(t, err)
	newRec := testRecord(t, "restored")
	require.NoError(t, store.PutRecord(newRec, false))
	require.NoError(t, store.Close())

	// The superseded contents sit in keys.old next to the live swap
	oldDir := filepath.Join(root, "keys.old")
	require.NoError(t, os.MkdirAll(oldDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "stale.json"), []byte("{}"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, restoreMarkerName), []byte("t"), 0600))

	store, err = NewFileSystemStore(root, DefaultLockRetry())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetRecord("restored")
	require.NoError(t, err)
	require.Equal(t, newRec.Checksum, got.Checksum)

	require.NoDirExists(t, oldDir)
	require.NoFileExists(t, filepath.Join(root, restoreMarkerName))
}

func testLockContention(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root, LockRetry{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	defer store.Close()

	// Hold the writer lock on an independent file descriptor
	holder, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, flockAcquire(holder, true))

	err = store.PutRecord(testRecord(t, "blocked"), false)
	var lockErr *LockContentionError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, 3, lockErr.Attempts)

	// Nothing was written under contention
	_, err = store.GetRecord("blocked")
	require.ErrorIs(t, err, ErrNotFound)

	// Once the holder releases, the same put succeeds
	require.NoError(t, flockRelease(holder))
	require.NoError(t, store.PutRecord(testRecord(t, "blocked"), false))
}

func testRecordFilePermissions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutRecord(testRecord(t, "private"), false))

	info, err := os.Stat(store.recordPath("private"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm(), fmt.Sprintf("mode %v", info.Mode()))
}
