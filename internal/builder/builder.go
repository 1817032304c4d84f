// Package builder expands a validated order request into the concrete legs
// sent to the venue.
package builder

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-gate/internal/types"
)

// Builder turns requests into legs. The group function mints cancel-group
// tags for brackets.
type Builder struct {
	group func() string
}

func New() *Builder {
	return &Builder{group: func() string { return "oca-" + uuid.NewString() }}
}

// NewWithGroupFunc is used where cancel-group tags must be predictable
func NewWithGroupFunc(group func() string) *Builder {
	return &Builder{group: group}
}

// Build validates req and returns its legs in submission order. Brackets
// yield exactly three legs; every other kind yields one.
func (b *Builder) Build(orderID string, req types.OrderRequest, inst types.ResolvedInstrument) ([]types.OrderLeg, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	n := req.Normalized()

	if n.Kind == types.KindBracket {
		return b.bracket(orderID, n, inst), nil
	}

	leg := types.OrderLeg{
		ID:          LegID(orderID, types.RoleSingle),
		OrderID:     orderID,
		Role:        types.RoleSingle,
		Side:        n.Side,
		Quantity:    n.Quantity,
		TimeInForce: timeInForce(n.TimeInForce, types.TIFDay),
		OutsideRTH:  n.OutsideRTH,
		Transmit:    true,
		Instrument:  inst,
	}

	switch n.Kind {
	case types.KindMarket:
		leg.Type = types.VenueMarket
	case types.KindLimit:
		leg.Type = types.VenueLimit
		leg.LimitPrice = copyDec(n.LimitPrice)
	case types.KindStop:
		leg.Type = types.VenueStop
		leg.StopPrice = copyDec(n.StopPrice)
	case types.KindStopLimit:
		leg.Type = types.VenueStopLimit
		leg.StopPrice = copyDec(n.StopPrice)
		leg.LimitPrice = copyDec(n.LimitPrice)
	case types.KindTrailAmount, types.KindTrailPercent:
		leg.Type = types.VenueTrail
		leg.TrailingAmount = copyDec(n.TrailingAmount)
		leg.TrailingPercent = copyDec(n.TrailingPercent)
		leg.StopPrice = copyDec(n.TrailStopPrice) // initial trigger
	case types.KindMarketOnClose:
		leg.Type = types.VenueMarketClose
		leg.TimeInForce = types.TIFDay
		leg.OutsideRTH = false
	case types.KindMarketOnOpen:
		leg.Type = types.VenueMarket
		leg.TimeInForce = types.TIFOPG
		leg.OutsideRTH = false
	default:
		return nil, types.NewValidationError("kind", fmt.Sprintf("unsupported order kind %q", n.Kind))
	}

	return []types.OrderLeg{leg}, nil
}

// bracket links a take-profit and stop-loss to the entry. Only the last
// leg transmits so the venue activates the structure as a whole.
func (b *Builder) bracket(orderID string, req types.OrderRequest, inst types.ResolvedInstrument) []types.OrderLeg {
	entryID := LegID(orderID, types.RoleEntry)
	group := b.group()
	exit := req.Side.Opposite()

	entry := types.OrderLeg{
		ID:          entryID,
		OrderID:     orderID,
		Role:        types.RoleEntry,
		Type:        types.VenueLimit,
		Side:        req.Side,
		Quantity:    req.Quantity,
		LimitPrice:  copyDec(req.LimitPrice),
		TimeInForce: timeInForce(req.TimeInForce, types.TIFDay),
		OutsideRTH:  req.OutsideRTH,
		Instrument:  inst,
	}
	if req.EntryKind == types.KindMarket {
		entry.Type = types.VenueMarket
		entry.LimitPrice = nil
	}

	takeProfit := types.OrderLeg{
		ID:          LegID(orderID, types.RoleTakeProfit),
		OrderID:     orderID,
		Role:        types.RoleTakeProfit,
		Type:        types.VenueLimit,
		Side:        exit,
		Quantity:    req.Quantity,
		LimitPrice:  copyDec(req.TakeProfitPrice),
		TimeInForce: types.TIFGTC,
		OutsideRTH:  req.OutsideRTH,
		ParentID:    entryID,
		CancelGroup: group,
		Instrument:  inst,
	}

	stopLoss := types.OrderLeg{
		ID:          LegID(orderID, types.RoleStopLoss),
		OrderID:     orderID,
		Role:        types.RoleStopLoss,
		Type:        types.VenueStop,
		Side:        exit,
		Quantity:    req.Quantity,
		StopPrice:   copyDec(req.StopLossPrice),
		TimeInForce: types.TIFGTC,
		OutsideRTH:  req.OutsideRTH,
		ParentID:    entryID,
		CancelGroup: group,
		Transmit:    true,
		Instrument:  inst,
	}
	if req.StopLossLimitPrice != nil {
		stopLoss.Type = types.VenueStopLimit
		stopLoss.LimitPrice = copyDec(req.StopLossLimitPrice)
	}

	return []types.OrderLeg{entry, takeProfit, stopLoss}
}

func timeInForce(requested, def types.TimeInForce) types.TimeInForce {
	if requested == "" {
		return def
	}
	return requested
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
