package hskeymgmt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/s7g4/arti-hs-keymgmt/internal/crypto"
	"github.com/s7g4/arti-hs-keymgmt/internal/misc"
	"github.com/s7g4/arti-hs-keymgmt/persist"
)

// SnapshotFormatVersion is the container format this build reads and
// writes. Restore refuses anything else before touching live state.
const SnapshotFormatVersion = "1"

// snapshotData is the encrypted payload of a snapshot container: the
// service state plus every key record, exactly as stored.
type snapshotData struct {
	State   *persist.ServiceState `json:"state,omitempty"`
	Records []*persist.KeyRecord  `json:"records"`
}

// Backup captures a consistent point-in-time snapshot of the whole
// store into a single self-contained container file and returns the
// path written. The enumeration runs under the store's shared lock, so
// no writer can commit halfway through; the payload is encrypted with
// the keystore passphrase and checksummed.
func (m *Manager) Backup(path string) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}

	records, state, err := m.store.ExportAll()
	if err != nil {
		m.logSnapshot("state_backup", "", false, err)
		return "", err
	}
	if state == nil {
		m.mu.Lock()
		state = m.state
		m.mu.Unlock()
	}

	raw, err := json.Marshal(snapshotData{State: state, Records: records})
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}
	encrypted, err := crypto.EncryptWithPassphrase(raw, m.passphrase)
	memguard.WipeBytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt snapshot payload: %w", err)
	}

	container := &persist.SnapshotContainer{
		SnapshotID:       uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		ToolVersion:      Version,
		FormatVersion:    SnapshotFormatVersion,
		Generation:       state.Generation,
		Checksum:         crypto.CalculateChecksum(encrypted),
		EncryptionMethod: misc.EncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
	}

	written, err := m.store.SaveSnapshot(path, container)
	m.logSnapshot("state_backup", container.SnapshotID, err == nil, err)
	if err != nil {
		return "", err
	}
	return written, nil
}

// Restore replaces the entire store contents with a snapshot. The
// container's format version is validated before anything is decrypted;
// the swap itself is the store's crash-atomic ReplaceAll, so an
// interrupted restore is rolled back deterministically on the next
// open. Restoring over live state is confirmation gated.
func (m *Manager) Restore(path string, confirmer Confirmer) error {
	if err := m.ready(); err != nil {
		return err
	}

	container, err := m.store.LoadSnapshot(path)
	if err != nil {
		m.logSnapshot("state_restore", "", false, err)
		return err
	}
	if container.FormatVersion != SnapshotFormatVersion {
		err = &IncompatibleSnapshotError{
			Version:   container.FormatVersion,
			Supported: SnapshotFormatVersion,
		}
		m.logSnapshot("state_restore", container.SnapshotID, false, err)
		return err
	}

	if err = confirm(confirmer, fmt.Sprintf(
		"Restore snapshot %s (taken %s)? All current keys and state will be replaced",
		container.SnapshotID, container.CreatedAt.Format(time.RFC3339))); err != nil {
		return err
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return fmt.Errorf("corrupt snapshot payload: %w", err)
	}
	raw, err := crypto.DecryptWithPassphrase(encrypted, m.passphrase)
	if err != nil {
		m.logSnapshot("state_restore", container.SnapshotID, false, err)
		return fmt.Errorf("failed to decrypt snapshot (wrong passphrase?): %w", err)
	}
	var data snapshotData
	err = json.Unmarshal(raw, &data)
	memguard.WipeBytes(raw)
	if err != nil {
		return fmt.Errorf("failed to parse snapshot payload: %w", err)
	}

	// A snapshot never mixes generations: every record must belong to
	// the generation the container was taken under.
	if container.Generation != "" {
		for _, rec := range data.Records {
			if rec.Generation != "" && rec.Generation != container.Generation {
				err = fmt.Errorf("snapshot %s mixes keystore generations (%s vs %s)",
					container.SnapshotID, rec.Generation, container.Generation)
				m.logSnapshot("state_restore", container.SnapshotID, false, err)
				return err
			}
		}
	}

	if err = m.store.ReplaceAll(data.Records, data.State); err != nil {
		m.logSnapshot("state_restore", container.SnapshotID, false, err)
		return err
	}

	m.mu.Lock()
	if data.State != nil {
		m.state = data.State
	}
	m.mu.Unlock()

	m.logSnapshot("state_restore", container.SnapshotID, true, nil)
	return nil
}

// Reset clears all keys and state and starts a fresh keystore
// generation. Confirmation gated; resetting an already-empty store is
// idempotent and succeeds.
func (m *Manager) Reset(confirmer Confirmer) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := confirm(confirmer, "Reset the keystore? All keys and state will be destroyed and cannot be recovered"); err != nil {
		return err
	}

	if err := m.store.Clear(); err != nil {
		m.logSnapshot("state_reset", "", false, err)
		return err
	}

	now := time.Now().UTC()
	state := &persist.ServiceState{
		Version:    "1",
		Generation: uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.SaveState(state); err != nil {
		m.logSnapshot("state_reset", "", false, err)
		return err
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.logSnapshot("state_reset", "", true, nil)
	return nil
}

// ListSnapshots enumerates snapshot containers under a directory (the
// store's default snapshot directory when empty), reporting checksum
// validity without decrypting anything.
func (m *Manager) ListSnapshots(dir string) ([]persist.SnapshotInfo, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.store.ListSnapshots(dir)
}

func (m *Manager) logSnapshot(action, snapshotID string, success bool, err error) {
	md := map[string]interface{}{}
	if snapshotID != "" {
		md["snapshot_id"] = snapshotID
	}
	if err != nil {
		md["error"] = err.Error()
	}
	_ = m.audit.Log(action, success, md)
}
