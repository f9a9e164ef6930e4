package tpm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/tpm"
)

func newTestOperator(t *testing.T) *tpm.Operator {
	t.Helper()
	transport, err := tpm.NewTransport(tpm.Config{Kind: tpm.InMemorySimulator})
	require.NoError(t, err)
	op := tpm.NewOperator(transport)
	t.Cleanup(func() {
		require.NoError(t, op.Close())
	})
	return op
}

func TestCreateEKIsDeterministic(t *testing.T) {
	op := newTestOperator(t)

	ek1, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)
	require.NoError(t, op.FlushContext(ek1.Handle))

	ek2, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)
	require.NoError(t, op.FlushContext(ek2.Handle))

	require.Equal(t, ek1.Name.Buffer, ek2.Name.Buffer, "EK name must be stable across re-derivation under a fixed template")
}

func TestCreateAndQuoteAK(t *testing.T) {
	op := newTestOperator(t)

	ek, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)
	defer op.FlushContext(ek.Handle)

	ak, err := op.CreateAK(ek.Handle, tpm.SHA256, tpm.RSASSA)
	require.NoError(t, err)
	defer op.FlushContext(ak.Handle)

	nonce := []byte("0123456789abcdef")
	mask := uint32(1) // PCR 0 only

	result, err := op.Quote(ak.Handle, tpm.SHA256, tpm.RSASSA, mask, nonce)
	require.NoError(t, err)
	require.NotEmpty(t, result.Attest)
	require.NotEmpty(t, result.Signature)
}

func TestExtendAndReadPCR(t *testing.T) {
	op := newTestOperator(t)

	before, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	require.NoError(t, op.ExtendPCR(16, tpm.SHA256, digest))

	after, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestResetAndExtendPCR(t *testing.T) {
	op := newTestOperator(t)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i + 1)
	}
	require.NoError(t, op.ResetAndExtendPCR(16, tpm.SHA256, digest))

	first, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)

	require.NoError(t, op.ResetAndExtendPCR(16, tpm.SHA256, digest))
	second, err := op.ReadPCR(16, tpm.SHA256)
	require.NoError(t, err)

	require.Equal(t, first, second, "reset_and_extend_pcr from a zeroed PCR must be reproducible for the same digest")
}

func TestCheckMask(t *testing.T) {
	mask := uint32(0)
	mask |= 1 << 0
	mask |= 1 << 10
	mask |= 1 << 23

	require.True(t, tpm.CheckMask(mask, 0))
	require.True(t, tpm.CheckMask(mask, 10))
	require.True(t, tpm.CheckMask(mask, 23))
	require.False(t, tpm.CheckMask(mask, 1))
	require.False(t, tpm.CheckMask(mask, 32))
	require.False(t, tpm.CheckMask(mask, -1))
}

func TestSaveAndLoadContext(t *testing.T) {
	op := newTestOperator(t)

	ek, err := op.CreateEK(tpm.SHA256)
	require.NoError(t, err)
	defer op.FlushContext(ek.Handle)

	ak, err := op.CreateAK(ek.Handle, tpm.SHA256, tpm.RSASSA)
	require.NoError(t, err)

	path := t.TempDir() + "/ak.ctx"
	require.NoError(t, op.SaveContextToFile(ak.Handle, path))

	reloaded, err := op.LoadKeyFromContextFile(path)
	require.NoError(t, err)
	require.NoError(t, op.FlushContext(reloaded))
}
