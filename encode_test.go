package hskeymgmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyEncoding(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"PublicRoundTrip", testPublicRoundTrip},
		{"PublicDecodeRejectsGarbage", testPublicDecodeRejectsGarbage},
		{"SecretExportImportRoundTrip", testSecretExportImportRoundTrip},
		{"ImportLineRejectsMalformed", testImportLineRejectsMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testPublicRoundTrip(t *testing.T) {
	for _, role := range Roles() {
		kp, err := GenerateKeyPair(role)
		require.NoError(t, err)

		pub := &PublicKey{Role: role, Bytes: kp.Public}
		line := pub.Encode()

		decoded, err := DecodePublicKey(line)
		require.NoError(t, err, "line %q", line)
		require.True(t, pub.Equal(decoded))

		// The base32 token is accepted in either case
		idx := strings.LastIndex(line, ":")
		lowered := line[:idx+1] + strings.ToLower(line[idx+1:])
		decoded, err = DecodePublicKey(lowered)
		require.NoError(t, err)
		require.True(t, pub.Equal(decoded))
	}
}

func testPublicDecodeRejectsGarbage(t *testing.T) {
	var formatErr *InvalidKeyFormatError
	for _, line := range []string{
		"",
		"ed25519:",
		"ed25519:notbase32!!!",
		"ed25519:MFRGG", // decodes but far too short
		"descriptor:x25519:",
		"rsa:AAAA",
	} {
		_, err := DecodePublicKey(line)
		require.Error(t, err, "line %q should not decode", line)
		require.ErrorAs(t, err, &formatErr)
	}
}

func testSecretExportImportRoundTrip(t *testing.T) {
	for _, role := range Roles() {
		kp, err := GenerateKeyPair(role)
		require.NoError(t, err)

		buf, err := kp.OpenSecret()
		require.NoError(t, err)
		secret := make([]byte, len(buf.Bytes()))
		copy(secret, buf.Bytes())
		buf.Destroy()

		encoded, err := EncodeSecret(role, secret)
		require.NoError(t, err)

		var address string
		if role == RoleServiceIdentity {
			address, err = kp.OnionAddress()
			require.NoError(t, err)
		} else {
			address = newTestAddress(t)
		}

		parsed, err := ParseImportLine(address + ":" + encoded)
		require.NoError(t, err)
		require.Equal(t, role, parsed.Role)
		require.Equal(t, strings.ToLower(address), parsed.Address)
		require.Equal(t, secret, parsed.Secret)
	}
}

func testImportLineRejectsMalformed(t *testing.T) {
	addr := newTestAddress(t)
	kp, err := GenerateKeyPair(RoleClientDescEnc)
	require.NoError(t, err)
	buf, err := kp.OpenSecret()
	require.NoError(t, err)
	encoded, err := EncodeSecret(RoleClientDescEnc, buf.Bytes())
	buf.Destroy()
	require.NoError(t, err)

	var formatErr *InvalidKeyFormatError
	for _, line := range []string{
		"",
		"# comment",
		"no-colon-anywhere",
		"not-an-address:" + encoded,
		addr + ":descriptor:x25519:AAAA",              // public prefix, not a secret
		addr + ":descriptor:x25519-private:notbase32", // bad token
		addr + ":descriptor:x25519-private:MFRGG",     // wrong length
	} {
		_, err := ParseImportLine(line)
		require.Error(t, err, "line %q should not parse", line)
		require.ErrorAs(t, err, &formatErr)
	}
}
