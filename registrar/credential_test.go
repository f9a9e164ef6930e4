package registrar

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"
)

func buildActivationBlob(t *testing.T, idObjectBuf, secretBuf []byte) []byte {
	t.Helper()

	idObjectBytes, err := tpm2.Marshal(tpm2.TPM2BIDObject{Buffer: idObjectBuf})
	require.NoError(t, err)
	secretBytes, err := tpm2.Marshal(tpm2.TPM2BEncryptedSecret{Buffer: secretBuf})
	require.NoError(t, err)

	return append(idObjectBytes, secretBytes...)
}

func TestParseActivationBlobRoundTrips(t *testing.T) {
	wantCredBlob := []byte("credential-blob-bytes")
	wantSecret := []byte("encrypted-secret-bytes")
	blob := buildActivationBlob(t, wantCredBlob, wantSecret)

	credBlob, secret, err := ParseActivationBlob(blob)
	require.NoError(t, err)
	require.Equal(t, wantCredBlob, credBlob)
	require.Equal(t, wantSecret, secret)
}

func TestParseActivationBlobRejectsTruncatedPrefix(t *testing.T) {
	_, _, err := ParseActivationBlob([]byte{0x01})
	require.Error(t, err)
}

func TestParseActivationBlobRejectsTruncatedField(t *testing.T) {
	blob := buildActivationBlob(t, []byte("cred"), []byte("secret"))
	// Cut the buffer short so the second TPM2B field can't be read in full.
	truncated := blob[:len(blob)-3]

	_, _, err := ParseActivationBlob(truncated)
	require.Error(t, err)
}

func TestSplitTPM2BFieldReturnsRemainder(t *testing.T) {
	field, err := tpm2.Marshal(tpm2.TPM2BIDObject{Buffer: []byte("abc")})
	require.NoError(t, err)
	trailer := []byte("trailer-bytes")

	got, rest, err := splitTPM2BField(append(field, trailer...))
	require.NoError(t, err)
	require.Equal(t, field, got)
	require.Equal(t, trailer, rest)
}
