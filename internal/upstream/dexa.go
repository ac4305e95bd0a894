package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"spread-engine/internal/cache"
	"spread-engine/internal/proxypool"
)

const (
	dexaQuoteURL         = "https://quote-api.jup.ag/v6/quote"
	dexaRequestTimeout   = 5 * time.Second
	dexaSpeedCacheTTL    = time.Second
	dexaPriceFloor       = 1e-7
	dexaMaxPriceImpact   = 1.0 // fraction; spec's "priceImpact > 100%"
	dexaCrossCheckDelta  = 0.5 // reject/substitute if |p - mid| / mid exceeds this
	dexaStableUnits      = 100 // "sell 100 units of the stablecoin reference mint"
)

// DexAClient is the DEX-A client: quotes selling dexaStableUnits of the
// stablecoin reference mint for a token's mint, ExactIn. Grounded on
// price_fetcher.py's get_jupiter_price_usdt quote-then-scale flow.
type DexAClient struct {
	pool     *proxypool.Pool
	speed    *cache.TTLCache[string, float64]
	quoteURL string // overridden in tests
}

// NewDexAClient constructs a DexAClient bound to pool.
func NewDexAClient(pool *proxypool.Pool) *DexAClient {
	return &DexAClient{pool: pool, speed: cache.New[string, float64](), quoteURL: dexaQuoteURL}
}

// Fetch returns the per-unit price (stablecoin units per whole token) for
// mint, consulting the 1s speed cache before hitting the network. A quote
// with excessive price impact or a price below the plausibility floor falls
// back to the cached value when one exists above the floor, per spec.md §4.2.
// A fresh network price is not written to the speed cache here: CrossValidate
// commits whichever price it accepts, so the prior quote survives for it to
// compare against.
func (d *DexAClient) Fetch(ctx context.Context, mint string, decimals int) (float64, *Error) {
	if cached, ok := d.speed.Get(mint); ok {
		return cached, nil
	}

	client, err := d.pool.NewHTTPClient(ctx, dexaRequestTimeout)
	if err != nil {
		return 0, newErr(ErrNoProxy, err)
	}

	amount := strconv.FormatFloat(dexaStableUnits*math.Pow(10, float64(usdcDecimals)), 'f', 0, 64)
	url := fmt.Sprintf("%s?inputMint=%s&outputMint=%s&amount=%s&swapMode=ExactIn&slippageBps=50",
		d.quoteURL, usdcMint, mint, amount)
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
		return 0, newErr(ErrStatus, fmt.Errorf("jupiter quote status %s", resp.Status))
	}

	var body struct {
		OutAmount      string `json:"outAmount"`
		PriceImpactPct string `json:"priceImpactPct"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, newErr(ErrSchema, err)
	}

	tokenAmountRaw, err := strconv.ParseFloat(body.OutAmount, 64)
	if err != nil || tokenAmountRaw == 0 {
		return 0, newErr(ErrSchema, fmt.Errorf("invalid outAmount %q", body.OutAmount))
	}
	tokenAmount := tokenAmountRaw / math.Pow(10, float64(decimals))
	price := dexaStableUnits / tokenAmount

	impact, _ := strconv.ParseFloat(body.PriceImpactPct, 64)
	anomalous := impact > dexaMaxPriceImpact || price < dexaPriceFloor
	if anomalous {
		if cached, ok := d.speed.GetStale(mint); ok && cached >= dexaPriceFloor {
			return cached, nil
		}
		return 0, newErr(ErrAnomaly, fmt.Errorf("price %g impact %g outside plausibility bounds", price, impact))
	}

	return price, nil
}

// CrossValidate implements spec.md §4.4 step 2: when the fresh price
// diverges from the CEX mid by more than dexaCrossCheckDelta, substitute a
// cached prior DEX-A quote if it sits closer to mid than the fresh one;
// otherwise drop the DEX-A block entirely for this cycle (ok=false). The
// accepted price (fresh or substituted) is committed to the speed cache.
func (d *DexAClient) CrossValidate(mint string, fresh, mid float64) (price float64, substituted bool, ok bool) {
	if mid <= 0 {
		d.speed.Set(mint, fresh, dexaSpeedCacheTTL)
		return fresh, false, true
	}

	delta := math.Abs(fresh-mid) / mid
	if delta <= dexaCrossCheckDelta {
		d.speed.Set(mint, fresh, dexaSpeedCacheTTL)
		return fresh, false, true
	}

	if prior, exists := d.speed.GetStale(mint); exists {
		priorDelta := math.Abs(prior-mid) / mid
		if priorDelta < delta {
			d.speed.Set(mint, prior, dexaSpeedCacheTTL)
			return prior, true, true
		}
	}

	return 0, false, false
}

// usdcMint is Solana mainnet USDC, the DEX-A stablecoin reference mint.
const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// usdcDecimals is USDC's on-chain decimal count, used to scale the
// ExactIn input amount.
const usdcDecimals = 6
