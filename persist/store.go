// Package persist implements durable storage for onion-service key
// material and state. All secret key bytes handed to this package are
// already encrypted by the manager layer; persist only guarantees
// durability, atomicity, and cross-process serialization of writers.
package persist

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrNotFound indicates the record, state, or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a put without overwrite intent hit an
	// existing record.
	ErrAlreadyExists = errors.New("already exists")
)

// LockContentionError reports that the keystore writer lock stayed held
// by another process for the whole bounded retry budget.
type LockContentionError struct {
	Path     string
	Attempts int
	Waited   time.Duration
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("keystore lock at %s still held after %d attempts (%s)", e.Path, e.Attempts, e.Waited)
}

// KeyRecord is one durable keystore entry. The secret key is stored
// encrypted; the public key and addressing fields are plaintext so the
// store can be enumerated without the passphrase.
type KeyRecord struct {
	// Name is the stable storage name derived from the key specifier.
	// It is the uniqueness key: at most one record per name exists.
	Name string `json:"name"`

	Role     string `json:"role"`
	Address  string `json:"address"`
	Nickname string `json:"nickname,omitempty"`

	// Algorithm tags the key type ("ed25519", "x25519").
	Algorithm string `json:"algorithm"`

	// PublicKey is the unpadded-base32 public part.
	PublicKey string `json:"public_key"`

	// EncryptedSecretKey is the base64 of the passphrase-encrypted
	// secret part. Encryption names the scheme so future formats can
	// coexist.
	EncryptedSecretKey string `json:"encrypted_secret_key"`
	Encryption         string `json:"encryption"`

	// Checksum is the SHA-256 of the encrypted secret blob, used to
	// detect torn or tampered records before decryption is attempted.
	Checksum string `json:"checksum"`

	CreatedAt time.Time `json:"created_at"`

	// Generation ties the record to the keystore generation it was
	// written under. Snapshots refuse to mix generations.
	Generation string `json:"generation"`

	Version int `json:"version"`
}

// ServiceState is the aggregate non-key state of the store: settings
// and metadata needed to reconstitute a working client or service.
type ServiceState struct {
	Version    string            `json:"version"`
	Generation string            `json:"generation"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// SnapshotContainer is the outer, self-contained snapshot format. The
// format version sits at a fixed location so restore can validate
// compatibility before decrypting anything.
type SnapshotContainer struct {
	SnapshotID       string    `json:"snapshot_id"`
	CreatedAt        time.Time `json:"created_at"`
	ToolVersion      string    `json:"tool_version"`
	FormatVersion    string    `json:"format_version"`
	Generation       string    `json:"generation"`
	Checksum         string    `json:"checksum"`
	EncryptionMethod string    `json:"encryption_method"`
	EncryptedData    string    `json:"encrypted_data"`
}

// SnapshotInfo is snapshot metadata readable without decryption.
type SnapshotInfo struct {
	SnapshotID    string    `json:"snapshot_id"`
	CreatedAt     time.Time `json:"created_at"`
	FormatVersion string    `json:"format_version"`
	Generation    string    `json:"generation"`
	FileSize      int64     `json:"file_size"`
	IsValid       bool      `json:"is_valid"` // checksum validation result
	StorePath     string    `json:"store_path"`
}

// Store is the keystore contract. Implementations must make every
// mutating call durable before returning success, must serialize
// concurrent writers from independent processes, and must never expose
// a partially written record to GetRecord or ListRecords.
type Store interface {
	// GetRecord looks up a record by name. Absence is ErrNotFound.
	GetRecord(name string) (*KeyRecord, error)

	// PutRecord inserts or replaces a record atomically. With
	// overwrite=false an existing record causes ErrAlreadyExists.
	PutRecord(rec *KeyRecord, overwrite bool) error

	// RemoveRecord deletes a record, reporting whether one existed.
	// Removing an absent record is not an error.
	RemoveRecord(name string) (bool, error)

	// ListRecords re-enumerates current records. Each call reflects
	// the state at call time; it is not a live view.
	ListRecords() ([]*KeyRecord, error)

	// ExportAll returns a consistent point-in-time view of all
	// records plus state, suitable for building a snapshot. No writer
	// may commit while the enumeration runs.
	ExportAll() ([]*KeyRecord, *ServiceState, error)

	// ReplaceAll atomically swaps the entire store contents for the
	// given records and state. On failure the prior contents remain
	// intact; a crash mid-swap is rolled back on the next open.
	ReplaceAll(records []*KeyRecord, state *ServiceState) error

	// Clear removes all records and state, returning the store to
	// factory-empty. Clearing an empty store is a no-op.
	Clear() error

	// LoadState reads the service state; absence is ErrNotFound.
	LoadState() (*ServiceState, error)

	// SaveState persists the service state atomically.
	SaveState(state *ServiceState) error

	// SaveSnapshot writes a snapshot container to the target path and
	// returns the final path written.
	SaveSnapshot(path string, container *SnapshotContainer) (string, error)

	// LoadSnapshot reads and checksum-validates a snapshot container.
	LoadSnapshot(path string) (*SnapshotContainer, error)

	// ListSnapshots enumerates snapshot containers under a directory.
	ListSnapshots(dir string) ([]SnapshotInfo, error)

	// Ping tests that the backend is reachable and usable.
	Ping() error

	// Close releases the store handle and any lock resources.
	Close() error

	// GetType names the backend ("filesystem", "s3").
	GetType() string
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType names the supported storage backends.
type StoreType string

const (
	// StoreTypeFileSystem stores records under a local state directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores records in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)
