package agentstate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keylime/attestation-agent/agentstate"
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

func TestEstablishIdentityCreatesFreshAK(t *testing.T) {
	op := newTestOperator(t)
	workDir := t.TempDir()

	identity, err := agentstate.EstablishIdentity(op, workDir, tpm.SHA256, tpm.RSASSA, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, identity.EKHash)
	require.NotZero(t, identity.AK.Handle)
	require.False(t, identity.AKPersisted)

	ad, err := agentstate.LoadAgentData(workDir)
	require.NoError(t, err)
	require.True(t, ad.Valid(identity.EKHash, tpm.SHA256, tpm.RSASSA))
}

func TestEstablishIdentityReloadsPersistedAK(t *testing.T) {
	op := newTestOperator(t)
	workDir := t.TempDir()

	first, err := agentstate.EstablishIdentity(op, workDir, tpm.SHA256, tpm.RSASSA, 0, nil)
	require.NoError(t, err)

	second, err := agentstate.EstablishIdentity(op, workDir, tpm.SHA256, tpm.RSASSA, 0, nil)
	require.NoError(t, err)

	require.Equal(t, first.AK.Name.Buffer, second.AK.Name.Buffer, "reload must reattach the same AK, not mint a new one")
}

func TestEstablishIdentityDiscardsAKOnAlgorithmChange(t *testing.T) {
	op := newTestOperator(t)
	workDir := t.TempDir()

	first, err := agentstate.EstablishIdentity(op, workDir, tpm.SHA256, tpm.RSASSA, 0, nil)
	require.NoError(t, err)

	second, err := agentstate.EstablishIdentity(op, workDir, tpm.SHA384, tpm.RSASSA, 0, nil)
	require.NoError(t, err)

	require.NotEqual(t, first.AK.Name.Buffer, second.AK.Name.Buffer, "a hash_alg change must invalidate the persisted AK")
}
