package checkout

import (
	"context"
	"encoding/json"

	"licensekit/internal/vendor"
)

// State is where a checkout session stands
type State int

const (
	StateNotStarted State = iota
	StateOpening
	StateActive
	StatePurchased
	StateAbandoned
	StateFailed
	StateFlagged
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StatePurchased:
		return "purchased"
	case StateAbandoned:
		return "abandoned"
	case StateFailed:
		return "failed"
	case StateFlagged:
		return "flagged"
	default:
		return "not_started"
	}
}

// Terminal reports whether s ends a session
func (s State) Terminal() bool {
	return s >= StatePurchased
}

// Result is the terminal outcome of a checkout session. Checkout is set
// whenever the vendor reported checkout data; Order only for Purchased.
type Result struct {
	State     State
	SessionID string
	Checkout  *vendor.CheckoutData
	Order     *vendor.Order
}

// Data shapes the result into the host payload: an optional "checkout"
// fragment and, for purchases, an "order" fragment.
func (r Result) Data() map[string]any {
	data := make(map[string]any, 2)
	if r.Checkout != nil {
		data["checkout"] = map[string]any{
			"checkout_id": r.Checkout.CheckoutID,
			"email":       r.Checkout.Email,
		}
	}
	if r.State == StatePurchased && r.Order != nil {
		data["order"] = orderFragment(r.Order)
	}
	return data
}

// orderFragment renders the order as a mapping keyed by its wire names, the
// same shape as the checkout fragment
func orderFragment(o *vendor.Order) map[string]any {
	raw, err := json.Marshal(o)
	if err != nil {
		return map[string]any{"order_id": o.OrderID, "state": o.State}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"order_id": o.OrderID, "state": o.State}
	}
	return m
}

// Completion receives the terminal result on the dispatch queue. err is set
// only for Failed.
type Completion func(ctx context.Context, result Result, err error)
