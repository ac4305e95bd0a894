package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectPool_PrefersNamedDexOverHigherLiquidity(t *testing.T) {
	pairs := []dexbPair{
		{DexID: "uniswap", PriceUsd: "1.10", Liquidity: struct {
			Usd float64 `json:"usd"`
		}{Usd: 50000}},
		{DexID: dexbPreferredDex, PriceUsd: "1.05", Liquidity: struct {
			Usd float64 `json:"usd"`
		}{Usd: 2000}},
	}

	chosen := selectPool(pairs)
	require.Equal(t, dexbPreferredDex, chosen.DexID)
	require.Equal(t, "1.05", chosen.PriceUsd)
}

func TestSelectPool_FallsBackToHighestLiquidity(t *testing.T) {
	pairs := []dexbPair{
		{DexID: "uniswap", PriceUsd: "1.10", Liquidity: struct {
			Usd float64 `json:"usd"`
		}{Usd: 5000}},
		{DexID: "sushiswap", PriceUsd: "1.08", Liquidity: struct {
			Usd float64 `json:"usd"`
		}{Usd: 90000}},
	}

	chosen := selectPool(pairs)
	require.Equal(t, "sushiswap", chosen.DexID)
}
