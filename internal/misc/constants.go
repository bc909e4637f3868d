package misc

const (
	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// EncryptionMethod names the scheme used for keystore and snapshot
	// payloads. Stored in records and containers so future schemes can
	// coexist with old data.
	EncryptionMethod = "argon2id-chacha20poly1305"

	FilePermissions = 0600 // user read + write
)
