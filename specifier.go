package hskeymgmt

import (
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// KeyRole identifies the protocol role of a stored key. The role set is
// closed: onion-service key material is either the service's long-term
// identity key or a client's restricted-discovery key, and each role
// fixes the key algorithm and encoding.
type KeyRole string

const (
	// RoleServiceIdentity is the ed25519 identity (signing) key of an
	// onion service. The service's .onion address is derived from its
	// public part.
	RoleServiceIdentity KeyRole = "ks-hs-id"

	// RoleClientDescEnc is the x25519 key a client uses to decrypt the
	// descriptors of a service running in restricted discovery mode.
	RoleClientDescEnc KeyRole = "ks-hsc-desc-enc"
)

// Roles returns the closed set of supported key roles.
func Roles() []KeyRole {
	return []KeyRole{RoleServiceIdentity, RoleClientDescEnc}
}

// Algorithm returns the key algorithm tag the role mandates.
func (r KeyRole) Algorithm() string {
	switch r {
	case RoleServiceIdentity:
		return AlgorithmEd25519
	case RoleClientDescEnc:
		return AlgorithmX25519
	default:
		return ""
	}
}

// Valid reports whether r is a member of the closed role set.
func (r KeyRole) Valid() bool {
	return r == RoleServiceIdentity || r == RoleClientDescEnc
}

// ParseRole converts a user-supplied role name into a KeyRole.
func ParseRole(s string) (KeyRole, error) {
	r := KeyRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown key role %q (valid: %s, %s)", s, RoleServiceIdentity, RoleClientDescEnc)
	}
	return r, nil
}

// KeySpecifier identifies a stored key: a role, the onion address it
// belongs to, and an optional client nickname. At most one entry per
// specifier exists in the keystore at a time.
type KeySpecifier struct {
	Role     KeyRole `json:"role"`
	Address  string  `json:"address"`
	Nickname string  `json:"nickname,omitempty"`
}

var nicknameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// onionBase32 decodes/encodes the 56-character lowercase base32 body of
// a v3 onion address.
var onionBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

const (
	onionSuffix      = ".onion"
	onionBodyLen     = 56
	onionVersion     = 0x03
	onionChecksumTag = ".onion checksum"
)

// Validate checks the specifier is well formed: a known role, a valid
// v3 onion address, and a filename-safe nickname if one is set.
func (s KeySpecifier) Validate() error {
	if !s.Role.Valid() {
		return fmt.Errorf("invalid key specifier: unknown role %q", s.Role)
	}
	if err := ValidateOnionAddress(s.Address); err != nil {
		return fmt.Errorf("invalid key specifier: %w", err)
	}
	if s.Nickname != "" && !nicknameRegex.MatchString(s.Nickname) {
		return fmt.Errorf("invalid key specifier: nickname %q (allowed: [a-zA-Z0-9_-], max 64)", s.Nickname)
	}
	return nil
}

// RecordName returns the stable storage name for this specifier:
// "<role>_<address-body>[_<nickname>]". The role contains no
// underscores and the address body is fixed-width, so the mapping is
// reversible.
func (s KeySpecifier) RecordName() string {
	body := strings.TrimSuffix(strings.ToLower(s.Address), onionSuffix)
	if s.Nickname == "" {
		return fmt.Sprintf("%s_%s", s.Role, body)
	}
	return fmt.Sprintf("%s_%s_%s", s.Role, body, s.Nickname)
}

// String renders the specifier for display and audit logs.
func (s KeySpecifier) String() string {
	if s.Nickname == "" {
		return fmt.Sprintf("%s/%s", s.Role, s.Address)
	}
	return fmt.Sprintf("%s/%s/%s", s.Role, s.Address, s.Nickname)
}

// ParseRecordName reverses RecordName. It is used when enumerating the
// keystore directory.
func ParseRecordName(name string) (KeySpecifier, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 {
		return KeySpecifier{}, fmt.Errorf("malformed record name %q", name)
	}
	spec := KeySpecifier{
		Role:    KeyRole(parts[0]),
		Address: parts[1] + onionSuffix,
	}
	if len(parts) == 3 {
		spec.Nickname = parts[2]
	}
	if err := spec.Validate(); err != nil {
		return KeySpecifier{}, fmt.Errorf("malformed record name %q: %w", name, err)
	}
	return spec, nil
}

// ValidateOnionAddress checks a v3 onion address: 56 base32 characters
// followed by ".onion", an embedded version byte of 3, and a correct
// truncated SHA3-256 checksum.
func ValidateOnionAddress(addr string) error {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasSuffix(addr, onionSuffix) {
		return fmt.Errorf("onion address %q missing %s suffix", addr, onionSuffix)
	}
	body := strings.TrimSuffix(addr, onionSuffix)
	if len(body) != onionBodyLen {
		return fmt.Errorf("onion address body must be %d characters, got %d", onionBodyLen, len(body))
	}
	raw, err := onionBase32.DecodeString(strings.ToUpper(body))
	if err != nil {
		return fmt.Errorf("onion address is not valid base32: %w", err)
	}
	// 32-byte public key, 2-byte checksum, 1-byte version.
	if len(raw) != 35 {
		return fmt.Errorf("onion address decodes to %d bytes, want 35", len(raw))
	}
	pub, checksum, version := raw[:32], raw[32:34], raw[34]
	if version != onionVersion {
		return fmt.Errorf("unsupported onion address version %d", version)
	}
	want := onionChecksum(pub)
	if checksum[0] != want[0] || checksum[1] != want[1] {
		return fmt.Errorf("onion address checksum mismatch")
	}
	return nil
}

// OnionAddressFromIdentity derives the v3 onion address for an ed25519
// identity public key.
func OnionAddressFromIdentity(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("identity public key must be 32 bytes, got %d", len(pub))
	}
	checksum := onionChecksum(pub)
	raw := make([]byte, 0, 35)
	raw = append(raw, pub...)
	raw = append(raw, checksum[0], checksum[1])
	raw = append(raw, onionVersion)
	return strings.ToLower(onionBase32.EncodeToString(raw)) + onionSuffix, nil
}

func onionChecksum(pub []byte) [2]byte {
	h := sha3.New256()
	h.Write([]byte(onionChecksumTag))
	h.Write(pub)
	h.Write([]byte{onionVersion})
	sum := h.Sum(nil)
	return [2]byte{sum[0], sum[1]}
}

// Filter selects a subset of keystore entries during enumeration. Zero
// fields match everything.
type Filter struct {
	Role    KeyRole
	Address string
}

// Matches reports whether the specifier satisfies the filter.
func (f Filter) Matches(spec KeySpecifier) bool {
	if f.Role != "" && spec.Role != f.Role {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, spec.Address) {
		return false
	}
	return true
}
