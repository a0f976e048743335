package state

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrNoPrice rejects an operation that needs an oracle price the book
// has never seen.
var ErrNoPrice = errors.New("no oracle price for asset")

// PricePoint is the latest oracle observation for one asset.
type PricePoint struct {
	Price    *big.Int // USD per whole token, 1e18 scale
	Sequence int64    // per-asset oracle sequence
	Height   int64    // chain height of the observation
}

// PriceBook tracks the latest oracle price per asset. Price feeds arrive
// on per-asset partitions; stale or duplicate sequences are silently
// ignored and gaps are tolerated, unlike command sequences.
type PriceBook struct {
	prices map[string]*PricePoint
}

func NewPriceBook() *PriceBook {
	return &PriceBook{
		prices: make(map[string]*PricePoint),
	}
}

// Update ingests an oracle observation
func (pb *PriceBook) Update(asset string, price *big.Int, sequence int64, height int64) error {
	if asset == "" {
		return fmt.Errorf("oracle update with empty asset")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle price for %s must be positive, got %v", asset, price)
	}

	current := pb.prices[asset]
	if current != nil && sequence <= current.Sequence {
		// Stale or duplicate - silently ignore (idempotent)
		return nil
	}

	pb.prices[asset] = &PricePoint{
		Price:    new(big.Int).Set(price),
		Sequence: sequence,
		Height:   height,
	}

	return nil
}

// Price returns a copy of the latest price for an asset
func (pb *PriceBook) Price(asset string) (*big.Int, error) {
	point := pb.prices[asset]
	if point == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return new(big.Int).Set(point.Price), nil
}

// HasPrice reports whether the book holds an observation for the asset
func (pb *PriceBook) HasPrice(asset string) bool {
	return pb.prices[asset] != nil
}

// Snapshot returns a copy of the book for state digests and snapshots
func (pb *PriceBook) Snapshot() map[string]PricePoint {
	snapshot := make(map[string]PricePoint, len(pb.prices))
	for asset, point := range pb.prices {
		snapshot[asset] = PricePoint{
			Price:    new(big.Int).Set(point.Price),
			Sequence: point.Sequence,
			Height:   point.Height,
		}
	}
	return snapshot
}

// Restore replaces the book's contents from a snapshot
func (pb *PriceBook) Restore(snapshot map[string]PricePoint) {
	pb.prices = make(map[string]*PricePoint, len(snapshot))
	for asset, point := range snapshot {
		pb.prices[asset] = &PricePoint{
			Price:    new(big.Int).Set(point.Price),
			Sequence: point.Sequence,
			Height:   point.Height,
		}
	}
}
