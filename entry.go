package hskeymgmt

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// Key algorithm tags. Each role maps to exactly one algorithm.
const (
	AlgorithmEd25519 = "ed25519"
	AlgorithmX25519  = "x25519"
)

// PublicKey is the displayable part of a stored key: the role it serves
// and the raw 32-byte public material. Secret material never travels
// through this type.
type PublicKey struct {
	Role  KeyRole
	Bytes []byte
}

// KeyPair holds freshly generated or imported key material. The secret
// part lives in a memguard enclave and is only opened transiently for
// encryption-at-rest or export; callers must not retain plaintext
// copies.
type KeyPair struct {
	Role   KeyRole
	Public []byte
	secret *memguard.Enclave
}

// OpenSecret opens the secret part into a locked buffer. The caller
// owns the buffer and must Destroy it as soon as the bytes have been
// used.
func (kp *KeyPair) OpenSecret() (*memguard.LockedBuffer, error) {
	if kp.secret == nil {
		return nil, fmt.Errorf("key pair has no secret part")
	}
	buf, err := kp.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open secret key enclave: %w", err)
	}
	return buf, nil
}

// GenerateKeyPair produces a fresh key pair for the given role using
// crypto/rand. The secret part is sealed into an enclave before the
// function returns; intermediate buffers are wiped.
func GenerateKeyPair(role KeyRole) (*KeyPair, error) {
	switch role {
	case RoleServiceIdentity:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity key: %w", err)
		}
		// Store the 32-byte seed; the full private key is
		// reconstructible from it.
		seed := priv.Seed()
		enclave := memguard.NewEnclave(seed)
		memguard.WipeBytes(priv)
		return &KeyPair{Role: role, Public: pub, secret: enclave}, nil

	case RoleClientDescEnc:
		secret := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate discovery key: %w", err)
		}
		pub, err := curve25519.X25519(secret, curve25519.Basepoint)
		if err != nil {
			memguard.WipeBytes(secret)
			return nil, fmt.Errorf("failed to derive discovery public key: %w", err)
		}
		enclave := memguard.NewEnclave(secret) // NewEnclave wipes its input
		return &KeyPair{Role: role, Public: pub, secret: enclave}, nil

	default:
		return nil, fmt.Errorf("cannot generate key for unknown role %q", role)
	}
}

// KeyPairFromSecret reconstructs a key pair from 32 bytes of secret
// material (an ed25519 seed or an x25519 scalar). The input is wiped.
// Used by import and by rebuilds from stored records.
func KeyPairFromSecret(role KeyRole, secret []byte) (*KeyPair, error) {
	if len(secret) != 32 {
		memguard.WipeBytes(secret)
		return nil, &InvalidKeyFormatError{
			Expected: fmt.Sprintf("32-byte %s secret", role.Algorithm()),
			Actual:   fmt.Sprintf("%d bytes", len(secret)),
		}
	}
	switch role {
	case RoleServiceIdentity:
		priv := ed25519.NewKeyFromSeed(secret)
		pub := make([]byte, 32)
		copy(pub, priv[32:])
		enclave := memguard.NewEnclave(secret)
		memguard.WipeBytes(priv)
		return &KeyPair{Role: role, Public: pub, secret: enclave}, nil

	case RoleClientDescEnc:
		pub, err := curve25519.X25519(secret, curve25519.Basepoint)
		if err != nil {
			memguard.WipeBytes(secret)
			return nil, fmt.Errorf("failed to derive discovery public key: %w", err)
		}
		enclave := memguard.NewEnclave(secret)
		return &KeyPair{Role: role, Public: pub, secret: enclave}, nil

	default:
		memguard.WipeBytes(secret)
		return nil, fmt.Errorf("cannot rebuild key for unknown role %q", role)
	}
}

// OnionAddress derives the v3 onion address for an identity key pair.
// Only meaningful for RoleServiceIdentity.
func (kp *KeyPair) OnionAddress() (string, error) {
	if kp.Role != RoleServiceIdentity {
		return "", fmt.Errorf("onion address can only be derived from a %s key", RoleServiceIdentity)
	}
	return OnionAddressFromIdentity(kp.Public)
}
