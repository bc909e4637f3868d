package hskeymgmt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s7g4/arti-hs-keymgmt/persist"
)

func TestSnapshots(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"BackupRestoreRoundTrip", testBackupRestoreRoundTrip},
		{"RestoreRefusesUnknownFormatVersion", testRestoreRefusesUnknownFormatVersion},
		{"RestoreDeclinedLeavesStoreIntact", testRestoreDeclinedLeavesStoreIntact},
		{"RestoreWrongPassphrase", testRestoreWrongPassphrase},
		{"ResetStartsFreshGeneration", testResetStartsFreshGeneration},
		{"ResetEmptyStoreIsIdempotent", testResetEmptyStoreIsIdempotent},
		{"BackupDuringResetIsSafe", testBackupDuringResetIsSafe},
		{"ListSnapshotsReportsValidity", testListSnapshotsReportsValidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

// testBackupDuringResetIsSafe interleaves backups with resets on one
// manager. Both mutate or read the cached service state, so this is the
// path the race detector watches.
func testBackupDuringResetIsSafe(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 2)

	errCh := make(chan error, 12)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			if _, err := m.Backup(""); err != nil {
				errCh <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			if err := m.Reset(ForceConfirmer{}); err != nil {
				errCh <- err
			}
		}
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// The store remains fully usable afterwards.
	_, _, err := m.GetOrCreate(KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)})
	require.NoError(t, err)
	require.NotEmpty(t, m.Generation())
}

// entryMap flattens a listing into specifier -> public encoding for
// store-content comparisons.
func entryMap(t *testing.T, m *Manager) map[string]string {
	t.Helper()
	entries, err := m.List(Filter{})
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Specifier.RecordName()] = e.Public.Encode()
	}
	return out
}

func populate(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}
		_, _, err := m.GetOrCreate(spec)
		require.NoError(t, err)
	}
	_, err := m.CreateIdentity("")
	require.NoError(t, err)
}

func testBackupRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 3)
	want := entryMap(t, m)
	generation := m.Generation()

	path, err := m.Backup(filepath.Join(t.TempDir(), "roundtrip"))
	require.NoError(t, err)
	require.FileExists(t, path)

	// Mutate the live store after the backup
	_, _, err = m.GetOrCreate(KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)})
	require.NoError(t, err)
	require.NotEqual(t, want, entryMap(t, m))

	err = m.Restore(path, &scriptedConfirmer{answer: true})
	require.NoError(t, err)
	require.Equal(t, want, entryMap(t, m))
	require.Equal(t, generation, m.Generation())
}

func testRestoreRefusesUnknownFormatVersion(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 1)
	want := entryMap(t, m)

	path, err := m.Backup(filepath.Join(t.TempDir(), "future"))
	require.NoError(t, err)

	// Bump the format version in place; the checksum covers only the
	// encrypted payload, so the container still loads.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var container persist.SnapshotContainer
	require.NoError(t, json.Unmarshal(data, &container))
	container.FormatVersion = "99"
	data, err = json.Marshal(&container)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	err = m.Restore(path, &scriptedConfirmer{answer: true})
	var incompatible *IncompatibleSnapshotError
	require.ErrorAs(t, err, &incompatible)
	require.Equal(t, "99", incompatible.Version)

	// Nothing was touched
	require.Equal(t, want, entryMap(t, m))
}

func testRestoreDeclinedLeavesStoreIntact(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 2)

	path, err := m.Backup(filepath.Join(t.TempDir(), "declined"))
	require.NoError(t, err)

	_, _, err = m.GetOrCreate(KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)})
	require.NoError(t, err)
	want := entryMap(t, m)

	err = m.Restore(path, &scriptedConfirmer{answer: false})
	require.ErrorIs(t, err, ErrConfirmationDeclined)
	require.Equal(t, want, entryMap(t, m))
}

func testRestoreWrongPassphrase(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 1)
	path, err := m.Backup(filepath.Join(t.TempDir(), "locked"))
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := persist.NewFileSystemStore(dir, persist.DefaultLockRetry())
	require.NoError(t, err)
	other, err := NewWithStore(Options{Passphrase: "different-passphrase"}, store, nil)
	require.NoError(t, err)
	defer other.Close()

	err = other.Restore(path, &scriptedConfirmer{answer: true})
	require.Error(t, err)
	require.Empty(t, entryMap(t, other))
}

func testResetStartsFreshGeneration(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 2)
	before := m.Generation()
	require.NotEmpty(t, before)

	err := m.Reset(&scriptedConfirmer{answer: true})
	require.NoError(t, err)

	require.Empty(t, entryMap(t, m))
	require.NotEqual(t, before, m.Generation())
	require.NotEmpty(t, m.Generation())
}

func testResetEmptyStoreIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Reset(&scriptedConfirmer{answer: true}))
	require.NoError(t, m.Reset(&scriptedConfirmer{answer: true}))
	require.Empty(t, entryMap(t, m))
}

func testListSnapshotsReportsValidity(t *testing.T) {
	m := newTestManager(t)
	populate(t, m, 1)

	dir := t.TempDir()
	good, err := m.Backup(filepath.Join(dir, "good"))
	require.NoError(t, err)
	bad, err := m.Backup(filepath.Join(dir, "bad"))
	require.NoError(t, err)

	// Corrupt the second container's payload
	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	var container persist.SnapshotContainer
	require.NoError(t, json.Unmarshal(data, &container))
	container.EncryptedData = container.EncryptedData[:len(container.EncryptedData)-8] + "AAAAAAAA"
	data, err = json.Marshal(&container)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bad, data, 0600))

	infos, err := m.ListSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	valid := map[string]bool{}
	for _, info := range infos {
		valid[info.StorePath] = info.IsValid
	}
	require.True(t, valid[good])
	require.False(t, valid[bad])
}
