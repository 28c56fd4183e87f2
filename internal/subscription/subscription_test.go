package subscription

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/network"
)

func TestRoundTripWildcard(t *testing.T) {
	sub := New("urn:ocn:polkadot:1000", nil, []network.ID{"urn:ocn:polkadot:2004"}, nil, true)

	data, err := json.Marshal(sub)
	require.NoError(t, err)
	require.Contains(t, string(data), `"senders":"*"`)
	require.Contains(t, string(data), `"events":"*"`)

	var decoded Subscription
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.IsWildcardSenders())
	require.True(t, decoded.IsWildcardEvents())
	require.Equal(t, sub.Origin, decoded.Origin)
	require.Equal(t, sub.Destinations, decoded.Destinations)
}

func TestRoundTripExplicitLists(t *testing.T) {
	sub := New("urn:ocn:polkadot:1000", []string{"acctA"}, []network.ID{"urn:ocn:polkadot:2004"}, []string{"Sent", "Received"}, false)

	data, err := json.Marshal(sub)
	require.NoError(t, err)

	var decoded Subscription
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.False(t, decoded.IsWildcardSenders())
	require.Equal(t, []string{"acctA"}, decoded.Senders)
	require.True(t, decoded.WantsEvent("Sent"))
	require.False(t, decoded.WantsEvent("Timeout"))
}

func TestEmptySendersListIsNotWildcard(t *testing.T) {
	descriptor := `{
		"id": "s1",
		"origin": "urn:ocn:polkadot:1000",
		"senders": [],
		"destinations": ["urn:ocn:polkadot:2004"],
		"events": "*",
		"ephemeral": true,
		"outboundTTL": 21600000
	}`

	var decoded Subscription
	require.NoError(t, json.Unmarshal([]byte(descriptor), &decoded))
	require.False(t, decoded.IsWildcardSenders(), `"senders": [] means none match, not the wildcard`)
	require.Empty(t, decoded.Senders)
	require.True(t, decoded.IsWildcardEvents())

	data, err := json.Marshal(decoded)
	require.NoError(t, err)
	require.Contains(t, string(data), `"senders":[]`)
}

func TestNewDistinguishesNilAndEmptySenders(t *testing.T) {
	wildcard := New("urn:ocn:polkadot:1000", nil, []network.ID{"urn:ocn:polkadot:2004"}, nil, true)
	require.True(t, wildcard.IsWildcardSenders())

	none := New("urn:ocn:polkadot:1000", []string{}, []network.ID{"urn:ocn:polkadot:2004"}, nil, true)
	require.False(t, none.IsWildcardSenders())
}

func TestValidateRejectsOriginInDestinations(t *testing.T) {
	sub := New("urn:ocn:polkadot:1000", nil, []network.ID{"urn:ocn:polkadot:1000"}, nil, true)
	require.Error(t, sub.Validate())
}

func TestValidateAssignsID(t *testing.T) {
	sub := &Subscription{
		Origin:       "urn:ocn:polkadot:1000",
		Destinations: []network.ID{"urn:ocn:polkadot:2004"},
	}
	require.NoError(t, sub.Validate())
	require.NotEmpty(t, sub.ID)
}

func TestValidateDefaultsTTL(t *testing.T) {
	sub := New("urn:ocn:polkadot:1000", nil, []network.ID{"urn:ocn:polkadot:2004"}, nil, true)
	require.Equal(t, DefaultOutboundTTL, sub.OutboundTTL)

	sub.OutboundTTL = 0
	require.NoError(t, sub.Validate())
	require.Equal(t, DefaultOutboundTTL, sub.OutboundTTL)
}
