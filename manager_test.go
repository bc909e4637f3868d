package hskeymgmt

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s7g4/arti-hs-keymgmt/persist"
)

const testPassphrase = "correct-horse-battery-staple"

// scriptedConfirmer answers every prompt the same way and counts how
// often it was asked.
type scriptedConfirmer struct {
	answer bool
	calls  int
}

func (s *scriptedConfirmer) Confirm(string) (bool, error) {
	s.calls++
	return s.answer, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return newTestManagerAt(t, t.TempDir())
}

func newTestManagerAt(t *testing.T, dir string) *Manager {
	t.Helper()
	store, err := persist.NewFileSystemStore(dir, persist.DefaultLockRetry())
	require.NoError(t, err)
	m, err := NewWithStore(Options{Passphrase: testPassphrase}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerLifecycle(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"GetOrCreateIsIdempotent", testGetOrCreateIsIdempotent},
		{"ConcurrentGetOrCreateSingleWinner", testConcurrentGetOrCreateSingleWinner},
		{"GetOrCreateRefusesIdentity", testGetOrCreateRefusesIdentity},
		{"CreateIdentityDerivesAddress", testCreateIdentityDerivesAddress},
		{"RotateReplacesKeyMaterial", testRotateReplacesKeyMaterial},
		{"RotateDeclinedLeavesKeyIntact", testRotateDeclinedLeavesKeyIntact},
		{"RotateAbsentKeyDoesNotPrompt", testRotateAbsentKeyDoesNotPrompt},
		{"RemoveExistingAndAbsent", testRemoveExistingAndAbsent},
		{"RemoveDeclined", testRemoveDeclined},
		{"ImportExportRoundTrip", testImportExportRoundTrip},
		{"ImportRejectsWeakKey", testImportRejectsWeakKey},
		{"ImportRejectsMismatchedIdentity", testImportRejectsMismatchedIdentity},
		{"ImportDuplicateWithoutOverwrite", testImportDuplicateWithoutOverwrite},
		{"ListWithFilters", testListWithFilters},
		{"WrongPassphraseFailsDecryption", testWrongPassphraseFailsDecryption},
		{"ClosedManagerRefusesOperations", testClosedManagerRefusesOperations},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testGetOrCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t), Nickname: "alice"}

	entry, created, err := m.GetOrCreate(spec)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, AlgorithmX25519, entry.Algorithm)
	require.Len(t, entry.Public.Bytes, 32)

	again, created, err := m.GetOrCreate(spec)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, entry.Public.Equal(again.Public))
}

func testConcurrentGetOrCreateSingleWinner(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t), Nickname: "racer"}

	const workers = 4
	var wg sync.WaitGroup
	entries := make([]*KeyEntry, workers)
	createdFlags := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], createdFlags[i], errs[i] = m.GetOrCreate(spec)
		}(i)
	}
	wg.Wait()

	// Exactly one caller created the key; every caller got the same one.
	created := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, entries[i])
		require.True(t, entries[0].Public.Equal(entries[i].Public))
		if createdFlags[i] {
			created++
		}
	}
	require.Equal(t, 1, created)

	list, err := m.List(Filter{Address: spec.Address})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testGetOrCreateRefusesIdentity(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleServiceIdentity, Address: newTestAddress(t)}

	_, _, err := m.GetOrCreate(spec)
	require.ErrorIs(t, err, ErrNotFound)
}

func testCreateIdentityDerivesAddress(t *testing.T) {
	m := newTestManager(t)

	entry, err := m.CreateIdentity("")
	require.NoError(t, err)
	require.Equal(t, RoleServiceIdentity, entry.Specifier.Role)
	require.NoError(t, ValidateOnionAddress(entry.Specifier.Address))

	derived, err := OnionAddressFromIdentity(entry.Public.Bytes)
	require.NoError(t, err)
	require.Equal(t, derived, entry.Specifier.Address)

	got, err := m.Get(entry.Specifier)
	require.NoError(t, err)
	require.True(t, entry.Public.Equal(got.Public))
}

func testRotateReplacesKeyMaterial(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}

	before, _, err := m.GetOrCreate(spec)
	require.NoError(t, err)

	c := &scriptedConfirmer{answer: true}
	after, err := m.Rotate(spec, c)
	require.NoError(t, err)
	require.Equal(t, 1, c.calls)
	require.False(t, before.Public.Equal(after.Public))

	// The store holds exactly the new key
	got, err := m.Get(spec)
	require.NoError(t, err)
	require.True(t, after.Public.Equal(got.Public))

	entries, err := m.List(Filter{Address: spec.Address})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func testRotateDeclinedLeavesKeyIntact(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}

	before, _, err := m.GetOrCreate(spec)
	require.NoError(t, err)

	c := &scriptedConfirmer{answer: false}
	_, err = m.Rotate(spec, c)
	require.ErrorIs(t, err, ErrConfirmationDeclined)
	require.Equal(t, 1, c.calls)

	got, err := m.Get(spec)
	require.NoError(t, err)
	require.True(t, before.Public.Equal(got.Public))
}

func testRotateAbsentKeyDoesNotPrompt(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}

	c := &scriptedConfirmer{answer: false}
	entry, err := m.Rotate(spec, c)
	require.NoError(t, err)
	require.Zero(t, c.calls)
	require.NotNil(t, entry)
}

func testRemoveExistingAndAbsent(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}

	// Removing an absent key is a clean no-op with no prompt
	c := &scriptedConfirmer{answer: false}
	existed, err := m.Remove(spec, c)
	require.NoError(t, err)
	require.False(t, existed)
	require.Zero(t, c.calls)

	_, _, err = m.GetOrCreate(spec)
	require.NoError(t, err)

	c = &scriptedConfirmer{answer: true}
	existed, err = m.Remove(spec, c)
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, 1, c.calls)

	_, err = m.Get(spec)
	require.ErrorIs(t, err, ErrNotFound)
}

func testRemoveDeclined(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}
	_, _, err := m.GetOrCreate(spec)
	require.NoError(t, err)

	_, err = m.Remove(spec, &scriptedConfirmer{answer: false})
	require.ErrorIs(t, err, ErrConfirmationDeclined)

	_, err = m.Get(spec)
	require.NoError(t, err)
}

func testImportExportRoundTrip(t *testing.T) {
	src := newTestManager(t)
	dst := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}

	original, _, err := src.GetOrCreate(spec)
	require.NoError(t, err)

	// Public export is the default
	pub, err := src.Export(spec, false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(pub, "descriptor:x25519:"))

	// Secret export produces a self-describing import line
	line, err := src.Export(spec, true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, strings.ToLower(spec.Address)+":"))

	parsed, err := ParseImportLine(line)
	require.NoError(t, err)

	imported, err := dst.Import(parsed, "", false)
	require.NoError(t, err)
	require.True(t, original.Public.Equal(imported.Public))
}

func testImportRejectsWeakKey(t *testing.T) {
	m := newTestManager(t)
	line := &ImportLine{
		Address: newTestAddress(t),
		Role:    RoleClientDescEnc,
		Secret:  make([]byte, 32), // all zeros
	}
	var formatErr *InvalidKeyFormatError
	_, err := m.Import(line, "", false)
	require.ErrorAs(t, err, &formatErr)
}

func testImportRejectsMismatchedIdentity(t *testing.T) {
	m := newTestManager(t)

	kp, err := GenerateKeyPair(RoleServiceIdentity)
	require.NoError(t, err)
	buf, err := kp.OpenSecret()
	require.NoError(t, err)
	secret := make([]byte, len(buf.Bytes()))
	copy(secret, buf.Bytes())
	buf.Destroy()

	// An identity seed cannot be imported under an address it does not
	// derive to.
	line := &ImportLine{
		Address: newTestAddress(t),
		Role:    RoleServiceIdentity,
		Secret:  secret,
	}
	var formatErr *InvalidKeyFormatError
	_, err = m.Import(line, "", false)
	require.ErrorAs(t, err, &formatErr)
}

func testImportDuplicateWithoutOverwrite(t *testing.T) {
	m := newTestManager(t)
	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}
	_, _, err := m.GetOrCreate(spec)
	require.NoError(t, err)

	line, err := m.Export(spec, true)
	require.NoError(t, err)
	parsed, err := ParseImportLine(line)
	require.NoError(t, err)

	_, err = m.Import(parsed, "", false)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// With overwrite the same material lands cleanly
	parsed, err = ParseImportLine(line)
	require.NoError(t, err)
	_, err = m.Import(parsed, "", true)
	require.NoError(t, err)
}

func testListWithFilters(t *testing.T) {
	m := newTestManager(t)
	addrA := newTestAddress(t)
	addrB := newTestAddress(t)

	for _, spec := range []KeySpecifier{
		{Role: RoleClientDescEnc, Address: addrA, Nickname: "alice"},
		{Role: RoleClientDescEnc, Address: addrA, Nickname: "bob"},
		{Role: RoleClientDescEnc, Address: addrB},
	} {
		_, _, err := m.GetOrCreate(spec)
		require.NoError(t, err)
	}
	identity, err := m.CreateIdentity("")
	require.NoError(t, err)

	all, err := m.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	discovery, err := m.List(Filter{Role: RoleClientDescEnc})
	require.NoError(t, err)
	require.Len(t, discovery, 3)

	forA, err := m.List(Filter{Address: addrA})
	require.NoError(t, err)
	require.Len(t, forA, 2)

	ids, err := m.List(Filter{Role: RoleServiceIdentity})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, identity.Specifier.Address, ids[0].Specifier.Address)
}

func testWrongPassphraseFailsDecryption(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewFileSystemStore(dir, persist.DefaultLockRetry())
	require.NoError(t, err)
	m, err := NewWithStore(Options{Passphrase: testPassphrase}, store, nil)
	require.NoError(t, err)

	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}
	_, _, err = m.GetOrCreate(spec)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	store, err = persist.NewFileSystemStore(dir, persist.DefaultLockRetry())
	require.NoError(t, err)
	wrong, err := NewWithStore(Options{Passphrase: "wrong-passphrase"}, store, nil)
	require.NoError(t, err)
	defer wrong.Close()

	// Public material stays readable without the passphrase
	_, err = wrong.Export(spec, false)
	require.NoError(t, err)

	// Secret material does not
	_, err = wrong.Export(spec, true)
	require.Error(t, err)
}

func testClosedManagerRefusesOperations(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // Close is idempotent

	spec := KeySpecifier{Role: RoleClientDescEnc, Address: newTestAddress(t)}
	_, err := m.Get(spec)
	require.ErrorIs(t, err, ErrManagerClosed)
	_, _, err = m.GetOrCreate(spec)
	require.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Export(spec, false)
	require.ErrorIs(t, err, ErrManagerClosed)
	err = m.Reset(&scriptedConfirmer{answer: true})
	require.ErrorIs(t, err, ErrManagerClosed)
}
