package routing

import (
	"testing"

	"github.com/MatthewPhinney/five-bells-connector/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdLedger = "http://usd-ledger.example"
	eurLedger = "http://eur-ledger.example"
	jpyLedger = "http://jpy-ledger.example"
)

func newTable(t *testing.T) *StaticTable {
	t.Helper()
	table, err := NewStaticTable([]config.RouteConfig{
		{SourceLedger: usdLedger, DestinationLedger: eurLedger, Rate: "0.9"},
		{
			SourceLedger:      usdLedger,
			DestinationLedger: eurLedger,
			FinalLedger:       jpyLedger,
			NextAccount:       eurLedger + "/accounts/next",
			Rate:              "110",
			HopRate:           "0.9",
		},
	})
	require.NoError(t, err)
	return table
}

func TestLocalRoute(t *testing.T) {
	table := newTable(t)

	hop := table.FindBestHopForSourceAmount(usdLedger, eurLedger, "10")
	require.NotNil(t, hop)
	assert.True(t, hop.IsFinal)
	assert.Equal(t, "10", hop.SourceAmount)
	assert.Equal(t, "9", hop.DestinationAmount)
	assert.Equal(t, "9", hop.FinalAmount)
	assert.Equal(t, eurLedger, hop.FinalLedger)
	assert.Equal(t, "0.9", hop.AdditionalInfo["rate"])

	hop = table.FindBestHopForDestinationAmount(usdLedger, eurLedger, "9")
	require.NotNil(t, hop)
	assert.Equal(t, "10", hop.SourceAmount)
	assert.Equal(t, "9", hop.FinalAmount)
}

func TestRemoteRoute(t *testing.T) {
	table := newTable(t)

	hop := table.FindBestHopForSourceAmount(usdLedger, jpyLedger, "10")
	require.NotNil(t, hop)
	assert.False(t, hop.IsFinal)
	assert.Equal(t, eurLedger, hop.DestinationLedger)
	assert.Equal(t, jpyLedger, hop.FinalLedger)
	assert.Equal(t, "9", hop.DestinationAmount)
	assert.Equal(t, "1100", hop.FinalAmount)
	assert.Equal(t, eurLedger+"/accounts/next", hop.DestinationCreditAccount)
}

func TestUnknownPair(t *testing.T) {
	table := newTable(t)
	assert.Nil(t, table.FindBestHopForSourceAmount(eurLedger, usdLedger, "1"))
	assert.Nil(t, table.FindBestHopForSourceAmount(usdLedger, eurLedger, "not a number"))
}

func TestHopsAreFreshCopies(t *testing.T) {
	table := newTable(t)
	first := table.FindBestHopForSourceAmount(usdLedger, eurLedger, "10")
	first.AdditionalInfo["rate"] = "tampered"
	second := table.FindBestHopForSourceAmount(usdLedger, eurLedger, "10")
	assert.Equal(t, "0.9", second.AdditionalInfo["rate"])
}
