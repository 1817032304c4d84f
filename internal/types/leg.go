package types

import (
	"github.com/shopspring/decimal"
)

type LegRole string

const (
	RoleSingle     LegRole = "single"
	RoleEntry      LegRole = "entry"
	RoleTakeProfit LegRole = "take_profit"
	RoleStopLoss   LegRole = "stop_loss"
)

// VenueOrderType is the order type string the venue understands
type VenueOrderType string

const (
	VenueMarket      VenueOrderType = "MKT"
	VenueLimit       VenueOrderType = "LMT"
	VenueStop        VenueOrderType = "STP"
	VenueStopLimit   VenueOrderType = "STP LMT"
	VenueTrail       VenueOrderType = "TRAIL"
	VenueMarketClose VenueOrderType = "MOC"
)

// OrderLeg is one concrete venue-bound order
type OrderLeg struct {
	ID              string             `json:"id"`
	OrderID         string             `json:"order_id"`
	Role            LegRole            `json:"role"`
	Type            VenueOrderType     `json:"type"`
	Side            Side               `json:"side"`
	Quantity        decimal.Decimal    `json:"quantity"`
	LimitPrice      *decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal   `json:"stop_price,omitempty"`
	TrailingAmount  *decimal.Decimal   `json:"trailing_amount,omitempty"`
	TrailingPercent *decimal.Decimal   `json:"trailing_percent,omitempty"`
	TimeInForce     TimeInForce        `json:"time_in_force"`
	OutsideRTH      bool               `json:"outside_rth,omitempty"`
	ParentID        string             `json:"parent_id,omitempty"`
	CancelGroup     string             `json:"cancel_group,omitempty"`
	Transmit        bool               `json:"transmit"`
	Instrument      ResolvedInstrument `json:"instrument"`
}

// LegState is the venue-reported state of a leg
type LegState string

const (
	LegSubmitted       LegState = "submitted"
	LegPartiallyFilled LegState = "partially_filled"
	LegFilled          LegState = "filled"
	LegCancelled       LegState = "cancelled"
	LegRejected        LegState = "rejected"
	LegSimulated       LegState = "simulated"
	LegUnknown         LegState = "unknown"
)

// IsTerminal reports whether no further venue transitions are expected
func (s LegState) IsTerminal() bool {
	switch s {
	case LegFilled, LegCancelled, LegRejected, LegSimulated:
		return true
	default:
		return false
	}
}

// LegStatus is a point-in-time view of a leg at the venue
type LegStatus struct {
	LegID        string          `json:"leg_id"`
	OrderID      string          `json:"order_id"`
	Role         LegRole         `json:"role,omitempty"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	Status       LegState        `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Message      string          `json:"message,omitempty"`
}
