package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spread-engine/internal/models"
	"spread-engine/internal/proxypool"
)

func TestClients_FetchDex_UnknownDexIsSchemaError(t *testing.T) {
	c := &Clients{}
	_, _, err := c.FetchDex(nil, models.TokenConfig{}, "Z", 0)
	require.NotNil(t, err)
	require.Equal(t, ErrSchema, err.Kind)
}

func TestClients_FetchDex_DexACrossValidatesAgainstMid(t *testing.T) {
	// outAmount 10_000_000 raw at 9 decimals = 0.01 tokens per 100 stable units
	// => fresh price 10000, far from mid 100.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"outAmount":"10000000","priceImpactPct":"0"}`))
	}))
	defer srv.Close()

	dexa := NewDexAClient(proxypool.New(emptyProxyStoreForTests{}, proxypool.DefaultConfig()))
	dexa.quoteURL = srv.URL
	dexa.speed.Set("mint1", 100.0, -time.Hour) // expired prior: Fetch misses it, CrossValidate still sees it via GetStale
	c := &Clients{DexA: dexa}

	tok := models.TokenConfig{Name: "FOO-USDT", DexAMint: "mint1", DexADecimals: 9}

	accepted, substituted, uerr := c.FetchDex(context.Background(), tok, "A", 100.0)
	require.Nil(t, uerr)
	require.True(t, substituted)
	require.Equal(t, 100.0, accepted)
}
