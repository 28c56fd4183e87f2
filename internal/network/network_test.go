package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		id, err := Parse("urn:ocn:polkadot:1000")
		require.NoError(t, err)
		require.Equal(t, "polkadot", id.Consensus())
		require.Equal(t, "1000", id.Chain())
	})

	t.Run("missing segment", func(t *testing.T) {
		_, err := Parse("urn:ocn:polkadot")
		require.Error(t, err)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		_, err := Parse("urn:xcm:polkadot:1000")
		require.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	relay, _ := Parse("urn:ocn:polkadot:0")
	para, _ := Parse("urn:ocn:polkadot:2004")

	reg.RegisterRelay(relay)
	reg.BindParachain(para, relay)

	require.True(t, reg.IsRelay(relay))
	require.False(t, reg.IsRelay(para))

	got, ok := reg.RelayOf(para)
	require.True(t, ok)
	require.Equal(t, relay, got)

	_, ok = reg.RelayOf(relay)
	require.False(t, ok)
}
