// Package spread computes the direct/reverse spread percentages between a
// CEX bid/ask and a DEX price (spec.md §4.4/§8 invariant 1-2). Grounded on
// price_fetcher.py's calculate_spread: direct favors selling DEX into CEX's
// bid, reverse favors buying CEX's ask and selling on DEX.
package spread

import "spread-engine/internal/models"

// Direct is the percentage gain from buying at dexPrice and selling at the
// CEX bid: (bid - dexPrice) / dexPrice * 100.
func Direct(bid, dexPrice float64) float64 {
	if dexPrice == 0 {
		return 0
	}
	return (bid - dexPrice) / dexPrice * 100
}

// Reverse is the percentage gain from buying at the CEX ask and selling at
// dexPrice: (dexPrice - ask) / ask * 100.
func Reverse(ask, dexPrice float64) float64 {
	if ask == 0 {
		return 0
	}
	return (dexPrice - ask) / ask * 100
}

// Quote builds one DexQuote for a single DEX's price, given the CEX sides
// that were available this cycle. Either side may be nil if the CEX batch
// refresh didn't carry a quote for the token (spec.md §8 boundary case:
// missing CEX symbol yields an observation with both spread fields nil).
func Quote(price float64, cexBid, cexAsk *float64) models.DexQuote {
	q := models.DexQuote{Price: price, CexBid: cexBid, CexAsk: cexAsk}
	if cexBid != nil {
		d := Direct(*cexBid, price)
		q.DirectSpread = &d
	}
	if cexAsk != nil {
		r := Reverse(*cexAsk, price)
		q.ReverseSpread = &r
	}
	return q
}

// Mid returns the midpoint of bid/ask, or 0 if either side is unavailable —
// the sentinel DexAClient.CrossValidate treats as "skip cross-check".
func Mid(bid, ask *float64) float64 {
	if bid == nil || ask == nil {
		return 0
	}
	return (*bid + *ask) / 2
}
