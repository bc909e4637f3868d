package hskeymgmt

import (
	"fmt"
	"os"

	"github.com/s7g4/arti-hs-keymgmt/persist"
)

// Options configures a Manager instance.
//
// The passphrase fields control encryption-at-rest for secret key
// material and snapshot payloads. They are never serialized: the
// `json:"-"` tags keep them out of configuration output, and the
// passphrase should normally arrive through the environment variable
// named by EnvPassphraseVar rather than be embedded in config files or
// command lines.
type Options struct {
	// Passphrase is the encryption passphrase. Prefer EnvPassphraseVar
	// in deployments; this field exists for library embedding and tests.
	Passphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable to read the
	// passphrase from when Passphrase is empty, keeping the secret out
	// of process arguments and configuration files.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock requests mlockall so secret material is not
	// paged to swap. Failure to lock degrades to partial protection
	// instead of failing open.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// LockRetry bounds how long operations wait on the keystore lock
	// before giving up with LockContentionError. Zero values use the
	// store defaults.
	LockRetry persist.LockRetry `json:"lock_retry,omitempty"`
}

// Validate checks that a passphrase source is configured.
func (o Options) Validate() error {
	if o.Passphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either Passphrase or EnvPassphraseVar must be provided")
	}
	return nil
}

// resolvePassphrase returns the effective passphrase, reading the
// environment when the literal field is empty.
func (o Options) resolvePassphrase() (string, error) {
	if o.Passphrase != "" {
		return o.Passphrase, nil
	}
	if o.EnvPassphraseVar != "" {
		if v := os.Getenv(o.EnvPassphraseVar); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s is not set or empty", o.EnvPassphraseVar)
	}
	return "", fmt.Errorf("no passphrase configured")
}
