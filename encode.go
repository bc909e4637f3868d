package hskeymgmt

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"strings"
)

// Stable text encodings for key material.
//
// Public keys:
//
//	descriptor:x25519:<base32>    restricted-discovery key (ks-hsc-desc-enc)
//	ed25519:<base32>              service identity key (ks-hs-id)
//
// Secret keys (only ever produced behind an explicit opt-in):
//
//	descriptor:x25519-private:<base32>
//	ed25519-private:<base32>
//
// Import lines prefix the encoding with the onion address:
//
//	<address>:descriptor:x25519-private:<base32>
//
// Base32 is RFC 4648 without padding, emitted uppercase and accepted in
// either case. All encodings round-trip: Decode(Encode(k)) == k.

const (
	descPublicPrefix = "descriptor:x25519:"
	descSecretPrefix = "descriptor:x25519-private:"
	idPublicPrefix   = "ed25519:"
	idSecretPrefix   = "ed25519-private:"
)

var keyBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode renders the public key in its role's stable text form.
func (pk *PublicKey) Encode() string {
	token := keyBase32.EncodeToString(pk.Bytes)
	switch pk.Role {
	case RoleClientDescEnc:
		return descPublicPrefix + token
	case RoleServiceIdentity:
		return idPublicPrefix + token
	default:
		return token
	}
}

// DecodePublicKey parses a public key line produced by Encode. The role
// is recovered from the prefix.
func DecodePublicKey(line string) (*PublicKey, error) {
	line = strings.TrimSpace(line)
	var role KeyRole
	var token string
	switch {
	case strings.HasPrefix(line, descPublicPrefix):
		role, token = RoleClientDescEnc, strings.TrimPrefix(line, descPublicPrefix)
	case strings.HasPrefix(line, idPublicPrefix):
		role, token = RoleServiceIdentity, strings.TrimPrefix(line, idPublicPrefix)
	default:
		return nil, &InvalidKeyFormatError{
			Expected: fmt.Sprintf("%s... or %s...", descPublicPrefix, idPublicPrefix),
			Actual:   summarize(line),
		}
	}
	raw, err := decodeKeyToken(token)
	if err != nil {
		return nil, err
	}
	return &PublicKey{Role: role, Bytes: raw}, nil
}

// EncodeSecret renders the secret part of a key pair. The caller must
// have obtained explicit opt-in before invoking this, and must wipe the
// returned string's backing storage implications by discarding it
// promptly.
func EncodeSecret(role KeyRole, secret []byte) (string, error) {
	token := keyBase32.EncodeToString(secret)
	switch role {
	case RoleClientDescEnc:
		return descSecretPrefix + token, nil
	case RoleServiceIdentity:
		return idSecretPrefix + token, nil
	default:
		return "", fmt.Errorf("cannot encode secret for unknown role %q", role)
	}
}

// ImportLine is the parsed form of one line of importable key material.
type ImportLine struct {
	Address string
	Role    KeyRole
	Secret  []byte // 32 bytes; ownership passes to the caller, who must wipe it
}

// ParseImportLine parses "<address>:<secret-key-encoding>" as written
// by Export with the secret opt-in. The line is self-describing: both
// the target address and the role come out of it.
func ParseImportLine(line string) (*ImportLine, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, &InvalidKeyFormatError{Expected: "<onion-address>:<key-line>", Actual: "blank or comment line"}
	}
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil, &InvalidKeyFormatError{Expected: "<onion-address>:<key-line>", Actual: summarize(line)}
	}
	address, rest := line[:idx], line[idx+1:]
	if err := ValidateOnionAddress(address); err != nil {
		return nil, &InvalidKeyFormatError{Expected: "v3 onion address prefix", Actual: summarize(address)}
	}

	var role KeyRole
	var token string
	switch {
	case strings.HasPrefix(rest, descSecretPrefix):
		role, token = RoleClientDescEnc, strings.TrimPrefix(rest, descSecretPrefix)
	case strings.HasPrefix(rest, idSecretPrefix):
		role, token = RoleServiceIdentity, strings.TrimPrefix(rest, idSecretPrefix)
	default:
		return nil, &InvalidKeyFormatError{
			Expected: fmt.Sprintf("%s... or %s...", descSecretPrefix, idSecretPrefix),
			Actual:   summarize(rest),
		}
	}
	raw, err := decodeKeyToken(token)
	if err != nil {
		return nil, err
	}
	return &ImportLine{Address: strings.ToLower(address), Role: role, Secret: raw}, nil
}

func decodeKeyToken(token string) ([]byte, error) {
	raw, err := keyBase32.DecodeString(strings.ToUpper(strings.TrimSpace(token)))
	if err != nil {
		return nil, &InvalidKeyFormatError{Expected: "unpadded base32 key material", Actual: summarize(token)}
	}
	if len(raw) != 32 {
		return nil, &InvalidKeyFormatError{Expected: "32-byte key", Actual: fmt.Sprintf("%d bytes", len(raw))}
	}
	return raw, nil
}

// summarize truncates untrusted input for inclusion in error messages.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 24 {
		return s[:24] + "..."
	}
	if s == "" {
		return "(empty)"
	}
	return s
}

// Equal reports whether two public keys carry the same role and bytes.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && pk.Role == other.Role && bytes.Equal(pk.Bytes, other.Bytes)
}
