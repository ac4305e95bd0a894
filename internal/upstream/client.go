package upstream

import (
	"context"
	"fmt"

	"spread-engine/internal/models"
)

// Clients bundles the CEX-batch client and the three DEX clients the
// scheduler fans a token out to. It is the "one capability" seam spec.md §9
// calls for: callers reach each variant through this struct rather than
// switching on DEX identifier by hand.
type Clients struct {
	Cex  *CexClient
	DexA *DexAClient
	DexB *DexBClient
	DexC *DexCClient
}

// FetchDex resolves t's quote for dex ("A", "B", or "C"), applying DEX-A's
// cross-validation against mid when dex == "A". cexMid is 0 when no CEX
// quote is available yet (cross-validation is then skipped, per
// DexAClient.CrossValidate's mid<=0 short-circuit).
func (c *Clients) FetchDex(ctx context.Context, t models.TokenConfig, dex string, cexMid float64) (price float64, substituted bool, uerr *Error) {
	switch dex {
	case "A":
		raw, err := c.DexA.Fetch(ctx, t.DexAMint, t.DexADecimals)
		if err != nil {
			return 0, false, err
		}
		accepted, subst, ok := c.DexA.CrossValidate(t.DexAMint, raw, cexMid)
		if !ok {
			return 0, false, newErr(ErrAnomaly, fmt.Errorf("dex A price for %s dropped by cross-validation", t.Name))
		}
		return accepted, subst, nil
	case "B":
		price, err := c.DexB.Fetch(ctx, t.DexBAddress)
		return price, false, err
	case "C":
		price, err := c.DexC.Fetch(ctx, t.DexCAddress, t.DexCDecimals)
		return price, false, err
	default:
		return 0, false, newErr(ErrSchema, errUnknownDex(dex))
	}
}

type unknownDexError struct{ dex string }

func (e unknownDexError) Error() string { return "unknown dex identifier: " + e.dex }

func errUnknownDex(dex string) error { return unknownDexError{dex: dex} }
