package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretPutGetOverwrite(t *testing.T) {
	s := newTestStore(t)

	row := &SecretRow{
		NodeID: NodeHub, Kind: "webdav", Name: "nas",
		KID: "k1", Nonce: []byte{1, 2, 3}, Ciphertext: []byte{9, 9}, UpdatedAt: 100,
	}
	require.NoError(t, s.PutSecret(row))

	got, err := s.GetSecret(NodeHub, "webdav", "nas")
	require.NoError(t, err)
	require.Equal(t, row, got)

	// Same (node, kind, name) replaces in place.
	row.Ciphertext = []byte{7}
	row.UpdatedAt = 200
	require.NoError(t, s.PutSecret(row))
	got, err = s.GetSecret(NodeHub, "webdav", "nas")
	require.NoError(t, err)
	require.Equal(t, []byte{7}, got.Ciphertext)
	require.Equal(t, int64(200), got.UpdatedAt)
}

func TestSecretsAreNodeScoped(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutSecret(&SecretRow{NodeID: NodeHub, Kind: "webdav", Name: "nas",
		KID: "k1", Nonce: []byte{1}, Ciphertext: []byte{1}, UpdatedAt: 100}))
	require.NoError(t, s.PutSecret(&SecretRow{NodeID: "agent-1", Kind: "webdav", Name: "nas",
		KID: "k1", Nonce: []byte{2}, Ciphertext: []byte{2}, UpdatedAt: 100}))

	hub, err := s.GetSecret(NodeHub, "webdav", "nas")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, hub.Ciphertext)

	agent, err := s.GetSecret("agent-1", "webdav", "nas")
	require.NoError(t, err)
	require.Equal(t, []byte{2}, agent.Ciphertext)

	_, err = s.GetSecret("agent-2", "webdav", "nas")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSecretDeleteAndList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutSecret(&SecretRow{NodeID: NodeHub, Kind: "webdav", Name: "nas",
		KID: "k1", Nonce: []byte{1}, Ciphertext: []byte{1}, UpdatedAt: 100}))
	require.NoError(t, s.PutSecret(&SecretRow{NodeID: NodeHub, Kind: "age_x25519", Name: "default",
		KID: "k1", Nonce: []byte{1}, Ciphertext: []byte{1}, UpdatedAt: 100}))

	rows, err := s.ListSecrets(NodeHub)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, s.DeleteSecret(NodeHub, "webdav", "nas"))
	_, err = s.GetSecret(NodeHub, "webdav", "nas")
	require.ErrorIs(t, err, ErrNotFound)

	rows, err = s.ListSecrets(NodeHub)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
