// Package exchange implements the venue adapter contract and its three
// concrete implementations: Venue A (signed JSON-REST, inverted symbol
// convention), Venue B (library-backed, persistent streaming connection),
// and a deterministic simulator for hermetic tests.
//
// Every adapter call is asynchronous (context-aware) and may fail; the
// adapter is responsible for classifying the failure into one of
// Transient, Permanent, RateLimited, or Auth so the reconciliation loop
// knows whether to retry, back off, or stop.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// ErrorClass is the coarse bucket an adapter sorts every failure into.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassPermanent
	ClassRateLimited
	ClassAuth
)

// ClassifyError maps a wrapped adapter error to its ErrorClass using
// errors.Is against the sentinel values in pkg/types.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, types.ErrAdapterTransient):
		return ClassTransient
	case errors.Is(err, types.ErrAdapterRateLimited):
		return ClassRateLimited
	case errors.Is(err, types.ErrAdapterAuth):
		return ClassAuth
	case errors.Is(err, types.ErrAdapterPermanent):
		return ClassPermanent
	default:
		return ClassPermanent
	}
}

// Adapter is the uniform, capability-set surface the reconciliation engine
// drives. Each concrete venue implements symbol-convention inversion and
// size-unit conversion internally — the engine only ever supplies
// base-currency size at a given level price.
type Adapter interface {
	// LoadMarkets is a one-shot call at init; it returns the quantization
	// parameters for every symbol the venue lists.
	LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error)

	FetchTicker(ctx context.Context, symbol string) (types.Ticker, error)

	// PlaceLimit submits a resting limit order. The engine always passes
	// base-currency size; the adapter converts units/side as the venue requires.
	PlaceLimit(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal) (types.PlaceResult, error)

	// Cancel cancels an order. Venues that require side as a cancellation
	// parameter must look it up from FetchOpenOrders first, retrying with
	// each side if the order is absent from that listing.
	Cancel(ctx context.Context, venueOrderID, symbol string) error

	FetchOpenOrders(ctx context.Context, symbol string) ([]types.ExternalOrder, error)

	FetchBalance(ctx context.Context) (map[string]types.Balance, error)

	FetchOrder(ctx context.Context, venueOrderID, symbol string) (types.ExternalOrder, error)

	// Close releases any held connections (HTTP client, websocket, internal
	// simulator goroutine).
	Close() error
}
