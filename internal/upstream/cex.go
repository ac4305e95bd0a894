package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"spread-engine/internal/cache"
	"spread-engine/internal/models"
	"spread-engine/internal/proxypool"
)

// Ticker is one symbol's best bid/ask from the CEX batch feed. Either side
// is nil when the upstream snapshot omits it for that symbol, mirroring
// price_fetcher.py's independent None-handling for bid/ask so a missing
// side never silently becomes a present zero downstream.
type Ticker struct {
	Bid *float64
	Ask *float64
}

// ContractMeta is one symbol's lot-size metadata from the CEX contracts feed.
type ContractMeta struct {
	ContractSize float64
	MinVol       float64
	MaxVol       float64
}

const (
	tickerSnapshotKey   = "snapshot"
	tickerCacheTTL      = time.Second
	contractCacheTTL    = 60 * time.Second
	cexTickerURL        = "https://contract.mexc.com/api/v1/contract/ticker"
	cexContractsURL     = "https://contract.mexc.com/api/v1/contract/detail"
	cexRequestTimeout   = 5 * time.Second
)

var specialCharsPattern = regexp.MustCompile(`[^A-Za-z0-9]`)

// CexClient is the CEX-batch client (C2). One unparameterized request
// returns every futures ticker; a second returns per-contract lot metadata.
// Grounded on price_fetcher.py's get_mexc_price and worker.py's
// get_all_mexc_prices batch-first fetch.
type CexClient struct {
	pool      *proxypool.Pool
	tickers   *cache.TTLCache[string, map[string]Ticker]
	contracts *cache.TTLCache[string, map[string]ContractMeta]
}

// NewCexClient constructs a CexClient bound to pool for proxy-routed calls.
func NewCexClient(pool *proxypool.Pool) *CexClient {
	return &CexClient{
		pool:      pool,
		tickers:   cache.New[string, map[string]Ticker](),
		contracts: cache.New[string, map[string]ContractMeta](),
	}
}

// RefreshBatch issues the one-per-cycle ticker snapshot call that populates
// every active token's CEX sides (spec.md §4.5 step 2).
func (c *CexClient) RefreshBatch(ctx context.Context) *Error {
	client, err := c.pool.NewHTTPClient(ctx, cexRequestTimeout)
	if err != nil {
		return newErr(ErrNoProxy, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cexTickerURL, nil)
	if err != nil {
		return newErr(ErrTransport, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return newErr(ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newErr(ErrStatus, fmt.Errorf("cex ticker status %s", resp.Status))
	}

	var body struct {
		Success bool `json:"success"`
		Code    int  `json:"code"`
		Data    []struct {
			Symbol string   `json:"symbol"`
			Bid1   *float64 `json:"bid1"`
			Ask1   *float64 `json:"ask1"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return newErr(ErrSchema, err)
	}
	if !body.Success || body.Code != 0 {
		return newErr(ErrSchema, fmt.Errorf("cex ticker success=%v code=%d", body.Success, body.Code))
	}

	snapshot := make(map[string]Ticker, len(body.Data))
	for _, d := range body.Data {
		snapshot[d.Symbol] = Ticker{Bid: d.Bid1, Ask: d.Ask1}
	}
	c.tickers.Set(tickerSnapshotKey, snapshot, tickerCacheTTL)
	return nil
}

// RefreshContracts issues the lower-frequency lot-metadata call, cached 60s.
func (c *CexClient) RefreshContracts(ctx context.Context) *Error {
	if _, ok := c.contracts.Get(tickerSnapshotKey); ok {
		return nil
	}

	client, err := c.pool.NewHTTPClient(ctx, cexRequestTimeout)
	if err != nil {
		return newErr(ErrNoProxy, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cexContractsURL, nil)
	if err != nil {
		return newErr(ErrTransport, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return newErr(ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newErr(ErrStatus, fmt.Errorf("cex contracts status %s", resp.Status))
	}

	var body struct {
		Success bool `json:"success"`
		Code    int  `json:"code"`
		Data    []struct {
			Symbol       string  `json:"symbol"`
			ContractSize float64 `json:"contractSize"`
			MinVol       float64 `json:"minVol"`
			MaxVol       float64 `json:"maxVol"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return newErr(ErrSchema, err)
	}
	if !body.Success || body.Code != 0 {
		return newErr(ErrSchema, fmt.Errorf("cex contracts success=%v code=%d", body.Success, body.Code))
	}

	snapshot := make(map[string]ContractMeta, len(body.Data))
	for _, d := range body.Data {
		snapshot[d.Symbol] = ContractMeta{ContractSize: d.ContractSize, MinVol: d.MinVol, MaxVol: d.MaxVol}
	}
	c.contracts.Set(tickerSnapshotKey, snapshot, contractCacheTTL)
	return nil
}

// Quote returns the cached bid/ask for symbol, populated by the last
// RefreshBatch call. No network call is made here. ok is false only when
// the symbol itself is absent from the snapshot; bid/ask individually may
// still be nil when the upstream ticker omitted just one side.
func (c *CexClient) Quote(symbol string) (bid, ask *float64, ok bool) {
	snapshot, found := c.tickers.Get(tickerSnapshotKey)
	if !found {
		return nil, nil, false
	}
	t, found := snapshot[symbol]
	if !found {
		return nil, nil, false
	}
	return t.Bid, t.Ask, true
}

// MinOrderNotional derives a token's minimum order notional from the
// contract-metadata cache: minVol * contractSize * mid.
func (c *CexClient) MinOrderNotional(symbol string, mid float64) (float64, bool) {
	snapshot, found := c.contracts.Get(tickerSnapshotKey)
	if !found {
		return 0, false
	}
	m, found := snapshot[symbol]
	if !found {
		return 0, false
	}
	return m.MinVol * m.ContractSize * mid, true
}

// Symbol resolves the CEX ticker symbol for a token per spec.md §4.2:
// cex_symbol_override if present, else strip special characters from base,
// upper-case, join "_QUOTE".
func Symbol(t models.TokenConfig) string {
	if t.CexSymbolOverride != "" {
		return t.CexSymbolOverride
	}
	base := specialCharsPattern.ReplaceAllString(t.Base, "")
	return strings.ToUpper(base) + "_" + strings.ToUpper(t.Quote)
}
