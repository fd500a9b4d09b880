package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/privacydam/deploy/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	statePath := filepath.Join(t.TempDir(), "nested", "state.json")
	mgr := NewManager(statePath)
	ctx := context.Background()

	s, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, 0, s.Serial)
	assert.NotEmpty(t, s.Lineage)

	s.Serial = 3
	s.Resources = []*ir.ResourceState{
		{
			Type:     "aws:SQS.Queue",
			Name:     "privacyDAM-Process.fifo",
			Provider: "aws",
			Inputs:   map[string]any{"fifo": true},
			Outputs:  map[string]any{"url": "https://sqs.ap-northeast-2.amazonaws.com/123/privacyDAM-Process.fifo"},
		},
	}
	s.Outputs = map[string]string{"queueUrl": "https://example"}
	require.NoError(t, mgr.Write(ctx, s))

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"type": "aws:SQS.Queue"`)

	back, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Lineage, back.Lineage)
	assert.Equal(t, 3, back.Serial)
	require.NotNil(t, back.Find("aws:SQS.Queue", "privacyDAM-Process.fifo"))
	assert.Equal(t, true, back.Resources[0].Inputs["fifo"])
	assert.Equal(t, "https://example", back.Outputs["queueUrl"])

	_, err = os.Stat(statePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestManager_EncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "passphrase")
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	require.NoError(t, mgr.Write(ctx, &ir.State{Serial: 7}))

	raw, err := os.ReadFile(mgr.Location())
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))

	back, err := mgr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, back.Serial)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	_, err := Decode([]byte(`{"version": 99}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestManager_LockSameManager(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()

	require.NoError(t, mgr.Lock(ctx))
	err := mgr.Lock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")

	require.NoError(t, mgr.Unlock(ctx))
	require.NoError(t, mgr.Unlock(ctx))
	require.NoError(t, mgr.Lock(ctx))
}
