package types

import "errors"

// Error kinds shared across packages. Adapters and the engine classify
// failures into these so the reconciliation loop can decide whether to
// retry, skip a level, or stop.
var (
	ErrInvalidGrid        = errors.New("invalid grid")
	ErrAdapterTransient   = errors.New("adapter: transient error")
	ErrAdapterRateLimited = errors.New("adapter: rate limited")
	ErrAdapterAuth        = errors.New("adapter: authentication error")
	ErrAdapterPermanent   = errors.New("adapter: permanent error")
	ErrNotFound           = errors.New("not found")
	ErrIllegalState       = errors.New("illegal state transition")
)

// ValidatorReason enumerates why the quantizer rejected an order.
type ValidatorReason string

const (
	ReasonBelowMinSize     ValidatorReason = "below_min_size"
	ReasonBelowMinNotional ValidatorReason = "below_min_notional"
	ReasonBadSizeStep      ValidatorReason = "bad_size_step"
	ReasonBadPriceTick     ValidatorReason = "bad_price_tick"
)

// ValidatorRejection is returned by the quantizer when an order fails
// validation. It is never treated as fatal — the level simply stays Empty.
type ValidatorRejection struct {
	Reason ValidatorReason
	Detail string
}

func (e *ValidatorRejection) Error() string {
	if e.Detail != "" {
		return string(e.Reason) + ": " + e.Detail
	}
	return string(e.Reason)
}

// NewValidatorRejection builds a ValidatorRejection with a formatted detail.
func NewValidatorRejection(reason ValidatorReason, detail string) *ValidatorRejection {
	return &ValidatorRejection{Reason: reason, Detail: detail}
}
