package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spread-engine/internal/models"
)

func TestTable_SetGet(t *testing.T) {
	tb := New()
	obs := models.Observation{TokenName: "BTC-USDT", Timestamp: time.Now()}
	tb.Set(obs)

	got, ok := tb.Get("BTC-USDT")
	require.True(t, ok)
	require.Equal(t, obs.TokenName, got.TokenName)
}

func TestTable_GetMissing(t *testing.T) {
	tb := New()
	_, ok := tb.Get("missing")
	require.False(t, ok)
}

func TestTable_SetOverwritesLatest(t *testing.T) {
	tb := New()
	tb.Set(models.Observation{TokenName: "BTC-USDT", Timestamp: time.Unix(1, 0)})
	tb.Set(models.Observation{TokenName: "BTC-USDT", Timestamp: time.Unix(2, 0)})

	got, ok := tb.Get("BTC-USDT")
	require.True(t, ok)
	require.Equal(t, int64(2), got.Timestamp.Unix())
}

func TestTable_All(t *testing.T) {
	tb := New()
	tb.Set(models.Observation{TokenName: "A-USDT"})
	tb.Set(models.Observation{TokenName: "B-USDT"})

	all := tb.All()
	require.Len(t, all, 2)
}
