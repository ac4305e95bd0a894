package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"spread-engine/internal/proxypool"
)

const (
	dexcQuoteURLFormat = "https://api.matcha.xyz/v1/quote/%s"
	dexcRequestTimeout = 5 * time.Second
	dexcStableUnits    = 100 // "sell 100 units of the stablecoin reference asset", per spec.md §4.2
	dexcStableDecimals = 6   // stablecoin decimals used to scale the gasless sell amount
)

// DexCClient is the DEX-C client: a gasless-quote aggregator gated behind a
// challenge-response credential, using CredentialManager for single-flight
// issuance/refresh. Quotes selling dexcStableUnits of the stablecoin
// reference asset for the target token and converts the raw buyAmount back
// to a per-unit price via the token's decimals. Grounded on
// price_fetcher.py's get_matcha_price_usdt two-step auth-then-quote-then-
// scale flow.
type DexCClient struct {
	pool     *proxypool.Pool
	creds    *CredentialManager
	quoteURL string // format string with one %s for the token address; overridden in tests
}

// NewDexCClient constructs a DexCClient bound to pool, issuing credentials
// via issuer.
func NewDexCClient(pool *proxypool.Pool, issuer ChallengeSolvingClient) *DexCClient {
	return &DexCClient{pool: pool, creds: NewCredentialManager(issuer), quoteURL: dexcQuoteURLFormat}
}

// Fetch returns the per-unit USD price for a token address, retrying once
// after invalidating the credential on a 401/403 response. decimals scales
// the quote's raw buyAmount back to whole-token units.
func (d *DexCClient) Fetch(ctx context.Context, address string, decimals int) (float64, *Error) {
	client, err := d.pool.NewHTTPClient(ctx, dexcRequestTimeout)
	if err != nil {
		return 0, newErr(ErrNoProxy, err)
	}

	price, status, fetchErr := d.doFetch(ctx, client, address, decimals)
	if fetchErr != nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		d.creds.Invalidate()
		price, _, fetchErr = d.doFetch(ctx, client, address, decimals)
	}
	if fetchErr != nil {
		return 0, fetchErr
	}
	return price, nil
}

func (d *DexCClient) doFetch(ctx context.Context, client *http.Client, address string, decimals int) (float64, int, *Error) {
	cred, err := d.creds.Get(ctx, client)
	if err != nil {
		return 0, 0, newErr(ErrTransport, fmt.Errorf("issue credential: %w", err))
	}

	sellAmount := strconv.FormatFloat(dexcStableUnits*math.Pow(10, float64(dexcStableDecimals)), 'f', 0, 64)
	url := fmt.Sprintf(d.quoteURL, address) + "?sellAmount=" + sellAmount
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, newErr(ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, newErr(ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return 0, resp.StatusCode, newErr(ErrStatus, fmt.Errorf("matcha quote status %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, resp.StatusCode, newErr(ErrStatus, fmt.Errorf("matcha quote status %s", resp.Status))
	}

	var body struct {
		BuyAmount string `json:"buyAmount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, resp.StatusCode, newErr(ErrSchema, err)
	}

	tokenAmountRaw, err := strconv.ParseFloat(body.BuyAmount, 64)
	if err != nil || tokenAmountRaw == 0 {
		return 0, resp.StatusCode, newErr(ErrSchema, fmt.Errorf("invalid buyAmount %q", body.BuyAmount))
	}
	tokenAmount := tokenAmountRaw / math.Pow(10, float64(decimals))
	price := dexcStableUnits / tokenAmount
	return price, resp.StatusCode, nil
}
