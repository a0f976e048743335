package fund

import (
	"errors"
	"fmt"
	"math/big"

	bpsmath "shortfall/internal/math"
	"shortfall/internal/state"
)

// ErrSwapBelowMinimum rejects a swap whose output misses the caller's
// floor.
var ErrSwapBelowMinimum = errors.New("swap output below minimum")

// Router is the swap venue the risk fund converts reserves through. The
// exact-input/min-output contract applies: the implementation consumes
// amountIn of path[0] and either returns at least amountOutMin of the
// final path element or errors without effect.
type Router interface {
	SwapExactTokensForTokens(amountIn *big.Int, amountOutMin *big.Int, path []string, deadlineHeight int64) (*big.Int, error)
}

// OracleRouter is the deterministic production router: it quotes the
// output from the oracle book at the path's two endpoints and applies a
// configured spread haircut. Intermediate path hops affect routing on
// the venue, not the quote.
type OracleRouter struct {
	prices    *state.PriceBook
	spreadBps int64
}

func NewOracleRouter(prices *state.PriceBook, spreadBps int64) (*OracleRouter, error) {
	if spreadBps < 0 || spreadBps >= bpsmath.MaxBps {
		return nil, fmt.Errorf("router spread must be in [0, 10000), got %d", spreadBps)
	}
	return &OracleRouter{prices: prices, spreadBps: spreadBps}, nil
}

func (r *OracleRouter) SwapExactTokensForTokens(amountIn *big.Int, amountOutMin *big.Int, path []string, deadlineHeight int64) (*big.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("swap path needs at least two assets, got %d", len(path))
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap input must be positive, got %v", amountIn)
	}

	priceIn, err := r.prices.Price(path[0])
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", path[0], err)
	}
	priceOut, err := r.prices.Price(path[len(path)-1])
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", path[len(path)-1], err)
	}

	usd := bpsmath.UsdValue(priceIn, amountIn)
	gross := bpsmath.TokenAmount(priceOut, usd)
	out := bpsmath.ApplyBps(gross, bpsmath.MaxBps-r.spreadBps)

	if amountOutMin != nil && out.Cmp(amountOutMin) < 0 {
		return nil, fmt.Errorf("%w: out %s, min %s", ErrSwapBelowMinimum, out, amountOutMin)
	}
	return out, nil
}
