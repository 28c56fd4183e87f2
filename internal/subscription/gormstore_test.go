package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/network"
)

func TestGormStoreInsertGetRemove(t *testing.T) {
	s, err := OpenInMemoryGormStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sub := New("urn:ocn:polkadot:1000", []string{"acctA"}, []network.ID{"urn:ocn:polkadot:2004"}, []string{"Sent"}, false)
	require.NoError(t, sub.Validate())
	require.NoError(t, s.Insert(sub))

	got, ok, err := s.GetByID(sub.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sub.Origin, got.Origin)

	byNetwork, err := s.GetByNetworkID("urn:ocn:polkadot:1000")
	require.NoError(t, err)
	require.Len(t, byNetwork, 1)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.Remove(sub.ID))
	_, ok, err = s.GetByID(sub.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGormStoreGetByIDMissing(t *testing.T) {
	s, err := OpenInMemoryGormStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.GetByID("does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}
