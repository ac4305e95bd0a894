// Package models holds the plain data types shared across the engine:
// store rows, in-memory observations, and the wire shape sent to subscribers.
package models

import "time"

// TokenConfig mirrors one row of the tokens table.
type TokenConfig struct {
	ID       int64
	Name     string // canonical BASE-QUOTE, upper-case
	Base     string
	Quote    string

	DexAllowList []string // subset of "A", "B", "C"

	DexAMint     string
	DexADecimals int

	DexBAddress string

	DexCAddress  string
	DexCDecimals int

	CexSymbolOverride string
	CexPriceScale     int

	Active bool
}

// HasDex reports whether dex is both allow-listed and has its routing fields set.
func (t TokenConfig) HasDex(dex string) bool {
	allowed := false
	for _, d := range t.DexAllowList {
		if d == dex {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	switch dex {
	case "A":
		return t.DexAMint != ""
	case "B":
		return t.DexBAddress != ""
	case "C":
		return t.DexCAddress != ""
	default:
		return false
	}
}

// ProxyEntry mirrors one row of the proxies table.
type ProxyEntry struct {
	ID                   int64
	EndpointString       string // credentials@host:port
	Scheme               string // "socks5" or "http"
	Active               bool
	ConsecutiveFailCount int
	LastUsedAt           time.Time
}

// DexQuote is the per-DEX block of an Observation.
type DexQuote struct {
	Price         float64
	DirectSpread  *float64
	ReverseSpread *float64
	CexBid        *float64
	CexAsk        *float64
}

// Observation is the result of one (token, cycle) fan-out.
type Observation struct {
	TokenName            string
	Timestamp            time.Time
	CexBid               *float64
	CexAsk               *float64
	CexMinOrderNotional  *float64
	Spreads              map[string]DexQuote // dex identifier -> quote
}

// WireObservation is the JSON shape described in spec §6.
type WireObservation struct {
	TokenName  string                  `json:"token_name"`
	MexcPrice  [2]*float64             `json:"mexc_price"`
	MexcLimit  *float64                `json:"mexc_limit"`
	Spreads    map[string]WireDexQuote `json:"spreads"`
	Timestamp  int64                   `json:"timestamp"`
}

// WireDexQuote is the JSON shape of one DEX entry inside a WireObservation.
type WireDexQuote struct {
	Direct  *float64 `json:"direct"`
	Reverse *float64 `json:"reverse"`
	Price   float64  `json:"dex_price"`
	CexBid  *float64 `json:"cex_bid"`
	CexAsk  *float64 `json:"cex_ask"`
}

// ToWire converts an Observation to its subscriber-facing JSON shape.
func (o Observation) ToWire() WireObservation {
	spreads := make(map[string]WireDexQuote, len(o.Spreads))
	for dex, q := range o.Spreads {
		spreads[dex] = WireDexQuote{
			Direct:  q.DirectSpread,
			Reverse: q.ReverseSpread,
			Price:   q.Price,
			CexBid:  q.CexBid,
			CexAsk:  q.CexAsk,
		}
	}
	return WireObservation{
		TokenName: o.TokenName,
		MexcPrice: [2]*float64{o.CexBid, o.CexAsk},
		MexcLimit: o.CexMinOrderNotional,
		Spreads:   spreads,
		Timestamp: o.Timestamp.Unix(),
	}
}

// HistoryRow is one row of the spread_history table.
type HistoryRow struct {
	TokenID       int64
	TokenName     string
	Dex           string
	Timestamp     time.Time
	DirectSpread  *float64
	ReverseSpread *float64
	DexPrice      float64
	CexBid        *float64
	CexAsk        *float64
}

// ToHistoryRows expands an Observation into one HistoryRow per populated DEX block.
func (o Observation) ToHistoryRows() []HistoryRow {
	rows := make([]HistoryRow, 0, len(o.Spreads))
	for dex, q := range o.Spreads {
		rows = append(rows, HistoryRow{
			TokenName:     o.TokenName,
			Dex:           dex,
			Timestamp:     o.Timestamp,
			DirectSpread:  q.DirectSpread,
			ReverseSpread: q.ReverseSpread,
			DexPrice:      q.Price,
			CexBid:        q.CexBid,
			CexAsk:        q.CexAsk,
		})
	}
	return rows
}
