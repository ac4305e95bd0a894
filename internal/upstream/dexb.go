package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spread-engine/internal/proxypool"
)

const (
	dexbPairsURLFormat = "https://api.dexscreener.com/latest/dex/tokens/%s"
	dexbRequestTimeout = 5 * time.Second
	dexbPriceCeiling   = 1e6 // exclusive upper bound, spec.md §8 invariant 2
	dexbPreferredDex   = "pancakeswap"
)

// DexBClient is the DEX-B client (DexScreener-style multi-pool aggregator
// lookup by token address). Grounded on
// price_fetcher.py's get_pancake_price_usdt pool-selection logic.
type DexBClient struct {
	pool *proxypool.Pool
}

// NewDexBClient constructs a DexBClient bound to pool.
func NewDexBClient(pool *proxypool.Pool) *DexBClient {
	return &DexBClient{pool: pool}
}

type dexbPair struct {
	DexID     string `json:"dexId"`
	PriceUsd  string `json:"priceUsd"`
	Liquidity struct {
		Usd float64 `json:"usd"`
	} `json:"liquidity"`
}

// Fetch returns the best-pool USD price for a token address: the preferred
// named DEX's pool if present among sufficiently liquid pools, else the
// highest-liquidity pool among them.
func (d *DexBClient) Fetch(ctx context.Context, address string) (float64, *Error) {
	client, err := d.pool.NewHTTPClient(ctx, dexbRequestTimeout)
	if err != nil {
		return 0, newErr(ErrNoProxy, err)
	}

	url := fmt.Sprintf(dexbPairsURLFormat, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, newErr(ErrTransport, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, newErr(ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, newErr(ErrStatus, fmt.Errorf("dexscreener status %s", resp.Status))
	}

	var body struct {
		Pairs []dexbPair `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, newErr(ErrSchema, err)
	}
	if len(body.Pairs) == 0 {
		return 0, newErr(ErrSchema, fmt.Errorf("no pools returned for %s", address))
	}

	candidates := make([]dexbPair, 0, len(body.Pairs))
	for _, p := range body.Pairs {
		if p.Liquidity.Usd <= 0 {
			continue
		}
		price, err := strconv.ParseFloat(p.PriceUsd, 64)
		if err != nil || price <= 0 || price >= dexbPriceCeiling {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return 0, newErr(ErrAnomaly, fmt.Errorf("no plausible positive-liquidity pool for %s", address))
	}

	chosen := selectPool(candidates)
	price, err := strconv.ParseFloat(chosen.PriceUsd, 64)
	if err != nil {
		return 0, newErr(ErrSchema, fmt.Errorf("invalid priceUsd %q: %w", chosen.PriceUsd, err))
	}
	return price, nil
}

// selectPool prefers the highest-liquidity pool among those whose exchange
// id contains dexbPreferredDex; otherwise the highest-liquidity pool among
// all candidates. Grounded on price_fetcher.py's pancake_pairs collection
// (substring match on dex_id) reduced by max(..., key=liq_usd_val).
func selectPool(pairs []dexbPair) dexbPair {
	var preferred []dexbPair
	for _, p := range pairs {
		if strings.Contains(strings.ToLower(p.DexID), dexbPreferredDex) {
			preferred = append(preferred, p)
		}
	}
	pool := pairs
	if len(preferred) > 0 {
		pool = preferred
	}

	best := pool[0]
	for _, p := range pool[1:] {
		if p.Liquidity.Usd > best.Liquidity.Usd {
			best = p
		}
	}
	return best
}
