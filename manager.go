// Package hskeymgmt manages the key material and state of Tor onion
// services and their clients: an encrypted-at-rest keystore addressed
// by key specifiers, lifecycle operations over it, and snapshot-based
// state backup and restore.
package hskeymgmt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/s7g4/arti-hs-keymgmt/audit"
	"github.com/s7g4/arti-hs-keymgmt/internal/crypto"
	"github.com/s7g4/arti-hs-keymgmt/internal/mem"
	"github.com/s7g4/arti-hs-keymgmt/internal/misc"
	"github.com/s7g4/arti-hs-keymgmt/persist"
)

// Version is the tool version stamped into snapshot containers.
const Version = "0.4.1"

// KeyEntry is the manager-level view of one stored key: its specifier,
// public part, and bookkeeping. Secret material is never part of an
// entry.
type KeyEntry struct {
	Specifier  KeySpecifier
	Public     *PublicKey
	Algorithm  string
	CreatedAt  time.Time
	Generation string
}

// Manager is the handle over one keystore. It owns the store
// connection, the resolved passphrase, and the audit trail. A Manager
// is safe for concurrent use within a process; cross-process
// serialization is the store's advisory lock.
type Manager struct {
	mu         sync.Mutex
	store      persist.Store
	audit      audit.Logger
	passphrase string
	state      *persist.ServiceState
	protection mem.ProtectionLevel
	memLocked  bool
	closed     bool
}

// New opens a Manager over the configured storage backend, with audit
// logging per auditCfg (nil disables auditing).
func New(options Options, storeCfg persist.StoreConfig, auditCfg *audit.Config) (*Manager, error) {
	store, err := persist.NewStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage backend: %w", err)
	}
	logger, err := audit.NewLogger(auditCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	m, err := NewWithStore(options, store, logger)
	if err != nil {
		_ = logger.Close()
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

// NewWithStore opens a Manager over an already-constructed store. The
// Manager takes ownership of the store and logger and closes them on
// Close.
func NewWithStore(options Options, store persist.Store, logger audit.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	passphrase, err := options.resolvePassphrase()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}

	m := &Manager{
		store:      store,
		audit:      logger,
		passphrase: passphrase,
		protection: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			return nil, fmt.Errorf("failed to enable memory protection: %w", err)
		}
		m.protection = level
		m.memLocked = true
	}

	if err := m.ensureState(); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureState loads the service state, creating a fresh one with a new
// generation ID on first use of a state directory.
func (m *Manager) ensureState() error {
	state, err := m.store.LoadState()
	if err == nil {
		m.state = state
		return nil
	}
	if err != persist.ErrNotFound {
		return fmt.Errorf("failed to load service state: %w", err)
	}

	now := time.Now().UTC()
	state = &persist.ServiceState{
		Version:    "1",
		Generation: uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err = m.store.SaveState(state); err != nil {
		return fmt.Errorf("failed to initialize service state: %w", err)
	}
	m.state = state
	return nil
}

// MemoryProtection reports the protection level achieved at open time.
func (m *Manager) MemoryProtection() mem.ProtectionLevel {
	return m.protection
}

// Generation returns the current keystore generation ID.
func (m *Manager) Generation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.Generation
}

// Get looks up the entry for a specifier. Absence is ErrNotFound.
func (m *Manager) Get(spec KeySpecifier) (*KeyEntry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.store.GetRecord(spec.RecordName())
	if err != nil {
		if err == persist.ErrNotFound {
			return nil, fmt.Errorf("key %s: %w", spec, ErrNotFound)
		}
		return nil, err
	}
	return entryFromRecord(rec)
}

// GetOrCreate returns the entry for the specifier, generating and
// storing a fresh key when none exists. The second return value reports
// whether a key was created. Two concurrent calls resolve to the same
// single entry: the store's no-overwrite put picks one winner and the
// loser re-reads.
//
// Only client discovery keys can be generated on demand; a service
// identity key determines its own onion address, so an identity entry
// for a given address either exists or cannot be fabricated.
func (m *Manager) GetOrCreate(spec KeySpecifier) (*KeyEntry, bool, error) {
	entry, err := m.Get(spec)
	if err == nil {
		return entry, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	if spec.Role == RoleServiceIdentity {
		return nil, false, fmt.Errorf("identity key for %s does not exist and cannot be generated for a fixed address: %w",
			spec.Address, ErrNotFound)
	}

	kp, err := GenerateKeyPair(spec.Role)
	if err != nil {
		m.logKey("key_create", spec, false, err)
		return nil, false, err
	}
	rec, err := m.sealRecord(spec, kp)
	if err != nil {
		m.logKey("key_create", spec, false, err)
		return nil, false, err
	}
	if err = m.store.PutRecord(rec, false); err != nil {
		if isAlreadyExists(err) {
			// Lost the race to a concurrent creator; adopt the winner.
			entry, gerr := m.Get(spec)
			if gerr != nil {
				return nil, false, gerr
			}
			return entry, false, nil
		}
		m.logKey("key_create", spec, false, err)
		return nil, false, err
	}

	m.logKey("key_create", spec, true, nil)
	entry, err = entryFromRecord(rec)
	return entry, true, err
}

// CreateIdentity generates a fresh service identity key, derives its
// onion address, and stores the entry under that address. The returned
// entry's specifier carries the new address.
func (m *Manager) CreateIdentity(nickname string) (*KeyEntry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	kp, err := GenerateKeyPair(RoleServiceIdentity)
	if err != nil {
		return nil, err
	}
	address, err := kp.OnionAddress()
	if err != nil {
		return nil, err
	}
	spec := KeySpecifier{Role: RoleServiceIdentity, Address: address, Nickname: nickname}
	if err = spec.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.sealRecord(spec, kp)
	if err != nil {
		m.logKey("key_create", spec, false, err)
		return nil, err
	}
	// A fresh random key cannot collide with an existing address, so a
	// conflict here means something is badly wrong; surface it.
	if err = m.store.PutRecord(rec, false); err != nil {
		m.logKey("key_create", spec, false, err)
		return nil, err
	}
	m.logKey("key_create", spec, true, nil)
	return entryFromRecord(rec)
}

// Rotate replaces the key at the specifier with freshly generated
// material. Replacing an existing key is confirmation gated; when no
// key exists one is created without a prompt. The swap is a single
// atomic put, so a crash leaves either the old key or the new one,
// never a partial entry.
//
// Rotating a service identity key changes the address the public part
// derives to; the stored specifier keeps its address as the lookup
// handle and callers should surface the newly derived address.
func (m *Manager) Rotate(spec KeySpecifier, confirmer Confirmer) (*KeyEntry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	_, err := m.store.GetRecord(spec.RecordName())
	exists := err == nil
	if err != nil && err != persist.ErrNotFound {
		return nil, err
	}

	if exists {
		if err = confirm(confirmer, fmt.Sprintf("Rotate key %s? The current key material will be destroyed and cannot be recovered", spec)); err != nil {
			return nil, err
		}
	}

	kp, err := GenerateKeyPair(spec.Role)
	if err != nil {
		m.logKey("key_rotate", spec, false, err)
		return nil, err
	}
	rec, err := m.sealRecord(spec, kp)
	if err != nil {
		m.logKey("key_rotate", spec, false, err)
		return nil, err
	}
	if err = m.store.PutRecord(rec, true); err != nil {
		m.logKey("key_rotate", spec, false, err)
		return nil, err
	}

	m.logKey("key_rotate", spec, true, nil)
	return entryFromRecord(rec)
}

// Remove deletes the key at the specifier, reporting whether one
// existed. Removing an absent key is a clean no-op and does not prompt;
// removing an existing key is confirmation gated.
func (m *Manager) Remove(spec KeySpecifier, confirmer Confirmer) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}

	_, err := m.store.GetRecord(spec.RecordName())
	if err == persist.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err = confirm(confirmer, fmt.Sprintf("Remove key %s? The key material will be destroyed and cannot be recovered", spec)); err != nil {
		return false, err
	}

	existed, err := m.store.RemoveRecord(spec.RecordName())
	m.logKey("key_remove", spec, err == nil, err)
	return existed, err
}

// Import stores externally supplied secret key material under the
// specifier derived from the import line. The material is validated
// against the role's algorithm before anything touches the store;
// mismatches surface as InvalidKeyFormatError.
func (m *Manager) Import(line *ImportLine, nickname string, overwrite bool) (*KeyEntry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fmt.Errorf("import line is required")
	}

	if crypto.IsWeakKey(line.Secret) {
		memguard.WipeBytes(line.Secret)
		return nil, &InvalidKeyFormatError{
			Expected: "high-entropy 32-byte secret",
			Actual:   "degenerate key material",
		}
	}

	kp, err := KeyPairFromSecret(line.Role, line.Secret)
	if err != nil {
		return nil, err
	}

	// An identity seed determines its onion address; an import line
	// claiming a different address is corrupt or mismatched material.
	if line.Role == RoleServiceIdentity {
		derived, derr := kp.OnionAddress()
		if derr != nil {
			return nil, derr
		}
		if !strings.EqualFold(derived, line.Address) {
			return nil, &InvalidKeyFormatError{
				Expected: fmt.Sprintf("identity seed for %s", line.Address),
				Actual:   fmt.Sprintf("seed derives to %s", derived),
			}
		}
	}

	spec := KeySpecifier{Role: line.Role, Address: line.Address, Nickname: nickname}
	if err = spec.Validate(); err != nil {
		return nil, err
	}
	rec, err := m.sealRecord(spec, kp)
	if err != nil {
		m.logKey("key_import", spec, false, err)
		return nil, err
	}
	if err = m.store.PutRecord(rec, overwrite); err != nil {
		if isAlreadyExists(err) {
			return nil, fmt.Errorf("key %s: %w", spec, ErrAlreadyExists)
		}
		m.logKey("key_import", spec, false, err)
		return nil, err
	}

	m.logKey("key_import", spec, true, nil)
	return entryFromRecord(rec)
}

// Export renders the key at the specifier in its stable text form. By
// default only the public part is produced. includeSecret additionally
// decrypts the secret part and renders a self-describing import line;
// it is a distinct opt-in that callers must gate explicitly.
func (m *Manager) Export(spec KeySpecifier, includeSecret bool) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	rec, err := m.store.GetRecord(spec.RecordName())
	if err != nil {
		if err == persist.ErrNotFound {
			return "", fmt.Errorf("key %s: %w", spec, ErrNotFound)
		}
		return "", err
	}

	entry, err := entryFromRecord(rec)
	if err != nil {
		return "", err
	}

	if !includeSecret {
		m.logKey("key_export", spec, true, nil)
		return entry.Public.Encode(), nil
	}

	secret, err := m.openSecret(rec)
	if err != nil {
		m.logKey("key_export", spec, false, err)
		return "", err
	}
	defer memguard.WipeBytes(secret)

	encoded, err := EncodeSecret(spec.Role, secret)
	if err != nil {
		return "", err
	}
	m.logKeyMeta("key_export", spec, true, nil, map[string]interface{}{"include_secret": true})
	return strings.ToLower(spec.Address) + ":" + encoded, nil
}

// List enumerates entries matching the filter, sorted by record name.
// Records whose names do not parse are skipped; the listing reflects
// the store at call time.
func (m *Manager) List(filter Filter) ([]*KeyEntry, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	records, err := m.store.ListRecords()
	if err != nil {
		return nil, err
	}
	var entries []*KeyEntry
	for _, rec := range records {
		spec, err := ParseRecordName(rec.Name)
		if err != nil {
			continue
		}
		if !filter.Matches(spec) {
			continue
		}
		entry, err := entryFromRecord(rec)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the store, the audit logger, and any memory locks.
// Further operations fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if err := m.store.Close(); err != nil {
		firstErr = err
	}
	if err := m.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.memLocked {
		if err := mem.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// sealRecord encrypts the key pair's secret part and assembles the
// durable record. The opened secret buffer is destroyed before return.
func (m *Manager) sealRecord(spec KeySpecifier, kp *KeyPair) (*persist.KeyRecord, error) {
	buf, err := kp.OpenSecret()
	if err != nil {
		return nil, err
	}
	blob, err := crypto.EncryptWithPassphrase(buf.Bytes(), m.passphrase)
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret key: %w", err)
	}

	return &persist.KeyRecord{
		Name:               spec.RecordName(),
		Role:               string(spec.Role),
		Address:            strings.ToLower(spec.Address),
		Nickname:           spec.Nickname,
		Algorithm:          spec.Role.Algorithm(),
		PublicKey:          keyBase32.EncodeToString(kp.Public),
		EncryptedSecretKey: base64.StdEncoding.EncodeToString(blob),
		Encryption:         misc.EncryptionMethod,
		Checksum:           crypto.CalculateChecksum(blob),
		CreatedAt:          time.Now().UTC(),
		Generation:         m.Generation(),
		Version:            1,
	}, nil
}

// openSecret decrypts a record's secret part. The caller owns the
// returned bytes and must wipe them.
func (m *Manager) openSecret(rec *persist.KeyRecord) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(rec.EncryptedSecretKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", rec.Name, err)
	}
	secret, err := crypto.DecryptWithPassphrase(blob, m.passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret key for %s (wrong passphrase?): %w", rec.Name, err)
	}
	return secret, nil
}

func entryFromRecord(rec *persist.KeyRecord) (*KeyEntry, error) {
	spec := KeySpecifier{
		Role:     KeyRole(rec.Role),
		Address:  rec.Address,
		Nickname: rec.Nickname,
	}
	pub, err := keyBase32.DecodeString(strings.ToUpper(rec.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("corrupt public key in record %s: %w", rec.Name, err)
	}
	return &KeyEntry{
		Specifier:  spec,
		Public:     &PublicKey{Role: spec.Role, Bytes: pub},
		Algorithm:  rec.Algorithm,
		CreatedAt:  rec.CreatedAt,
		Generation: rec.Generation,
	}, nil
}

func (m *Manager) logKey(action string, spec KeySpecifier, success bool, err error) {
	m.logKeyMeta(action, spec, success, err, nil)
}

func (m *Manager) logKeyMeta(action string, spec KeySpecifier, success bool, err error, extra map[string]interface{}) {
	md := map[string]interface{}{
		"key":  spec.String(),
		"role": string(spec.Role),
	}
	if err != nil {
		md["error"] = err.Error()
	}
	for k, v := range extra {
		md[k] = v
	}
	// Audit failures must not fail the operation itself.
	_ = m.audit.Log(action, success, md)
}

func isNotFound(err error) bool {
	return errors.Is(err, persist.ErrNotFound)
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, persist.ErrAlreadyExists)
}
