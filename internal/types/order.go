package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderKind string

const (
	KindMarket        OrderKind = "MARKET"
	KindLimit         OrderKind = "LIMIT"
	KindStop          OrderKind = "STOP"
	KindStopLimit     OrderKind = "STOP_LIMIT"
	KindTrailAmount   OrderKind = "TRAIL_AMOUNT"
	KindTrailPercent  OrderKind = "TRAIL_PERCENT"
	KindBracket       OrderKind = "BRACKET"
	KindMarketOnClose OrderKind = "MARKET_ON_CLOSE"
	KindMarketOnOpen  OrderKind = "MARKET_ON_OPEN"
)

// IsTrailing reports whether the kind is one of the trailing-stop kinds
func (k OrderKind) IsTrailing() bool {
	return k == KindTrailAmount || k == KindTrailPercent
}

type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFOPG TimeInForce = "OPG" // at the opening auction
)

var timesInForce = map[TimeInForce]bool{TIFDay: true, TIFGTC: true, TIFIOC: true, TIFFOK: true, TIFOPG: true}

// RequiredTimeInForce returns the only time in force a kind accepts, if it
// has one. Market-on-close and market-on-open carry their auction in the
// order type itself, not in the time in force.
func RequiredTimeInForce(kind OrderKind) (TimeInForce, bool) {
	switch kind {
	case KindMarketOnClose:
		return TIFDay, true
	case KindMarketOnOpen:
		return TIFOPG, true
	}
	return "", false
}

var hundred = decimal.NewFromInt(100)

// OrderRequest is a caller's request to trade one instrument
type OrderRequest struct {
	Instrument         InstrumentSpec   `json:"instrument"`
	Side               Side             `json:"side"`
	Quantity           decimal.Decimal  `json:"quantity"`
	Kind               OrderKind        `json:"kind"`
	LimitPrice         *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice          *decimal.Decimal `json:"stop_price,omitempty"`
	TrailingAmount     *decimal.Decimal `json:"trailing_amount,omitempty"`
	TrailingPercent    *decimal.Decimal `json:"trailing_percent,omitempty"`
	TrailStopPrice     *decimal.Decimal `json:"trail_stop_price,omitempty"`
	TakeProfitPrice    *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice      *decimal.Decimal `json:"stop_loss_price,omitempty"`
	StopLossLimitPrice *decimal.Decimal `json:"stop_loss_limit_price,omitempty"`
	EntryKind          OrderKind        `json:"entry_kind,omitempty"` // bracket entry: LIMIT (default) or MARKET
	TimeInForce        TimeInForce      `json:"time_in_force,omitempty"`
	OutsideRTH         bool             `json:"outside_rth,omitempty"`
	IdempotencyKey     string           `json:"idempotency_key,omitempty"`
	RequestedAt        time.Time        `json:"requested_at"`
}

// Normalized upper-cases the enumerations and normalizes the instrument
func (r OrderRequest) Normalized() OrderRequest {
	n := r
	n.Instrument = r.Instrument.Normalized()
	n.Side = Side(strings.ToUpper(string(r.Side)))
	n.Kind = OrderKind(strings.ToUpper(string(r.Kind)))
	n.EntryKind = OrderKind(strings.ToUpper(string(r.EntryKind)))
	n.TimeInForce = TimeInForce(strings.ToUpper(string(r.TimeInForce)))
	n.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	return n
}

// Differences lists the json names of the order fields that differ between
// two normalized requests. Identity fields, the idempotency key and the
// request time are not compared.
func (r OrderRequest) Differences(other OrderRequest) []string {
	var diff []string
	prices := []struct {
		name string
		a, b *decimal.Decimal
	}{
		{"limit_price", r.LimitPrice, other.LimitPrice},
		{"stop_price", r.StopPrice, other.StopPrice},
		{"trailing_amount", r.TrailingAmount, other.TrailingAmount},
		{"trailing_percent", r.TrailingPercent, other.TrailingPercent},
		{"trail_stop_price", r.TrailStopPrice, other.TrailStopPrice},
		{"take_profit_price", r.TakeProfitPrice, other.TakeProfitPrice},
		{"stop_loss_price", r.StopLossPrice, other.StopLossPrice},
		{"stop_loss_limit_price", r.StopLossLimitPrice, other.StopLossLimitPrice},
	}
	for _, p := range prices {
		if !sameDecimal(p.a, p.b) {
			diff = append(diff, p.name)
		}
	}
	if r.EntryKind != other.EntryKind {
		diff = append(diff, "entry_kind")
	}
	if r.TimeInForce != other.TimeInForce {
		diff = append(diff, "time_in_force")
	}
	if r.OutsideRTH != other.OutsideRTH {
		diff = append(diff, "outside_rth")
	}
	return diff
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Validate enforces the required-field set of the request's kind
func (r OrderRequest) Validate() error {
	n := r.Normalized()

	if err := n.Instrument.Validate(); err != nil {
		return err
	}
	if n.Side != SideBuy && n.Side != SideSell {
		return NewValidationError("side", fmt.Sprintf("side must be BUY or SELL, got %q", r.Side))
	}
	if !n.Quantity.IsPositive() {
		return NewValidationError("quantity", "quantity must be greater than zero")
	}
	if n.TimeInForce != "" && !timesInForce[n.TimeInForce] {
		return NewValidationError("time_in_force", fmt.Sprintf("unsupported time in force %q", r.TimeInForce))
	}

	switch n.Kind {
	case KindMarket:
	case KindLimit:
		if err := requirePositive("limit_price", n.LimitPrice); err != nil {
			return err
		}
	case KindStop:
		if err := requirePositive("stop_price", n.StopPrice); err != nil {
			return err
		}
	case KindStopLimit:
		if err := requirePositive("stop_price", n.StopPrice); err != nil {
			return err
		}
		if err := requirePositive("limit_price", n.LimitPrice); err != nil {
			return err
		}
	case KindTrailAmount, KindTrailPercent:
		if err := n.validateTrailing(); err != nil {
			return err
		}
	case KindBracket:
		if err := n.validateBracket(); err != nil {
			return err
		}
	case KindMarketOnClose, KindMarketOnOpen:
	case "":
		return NewValidationError("kind", "order kind is required")
	default:
		return NewValidationError("kind", fmt.Sprintf("unsupported order kind %q", r.Kind))
	}

	return n.validateTimeInForce()
}

func (r OrderRequest) validateTrailing() error {
	hasAmount := r.TrailingAmount != nil
	hasPercent := r.TrailingPercent != nil
	switch {
	case hasAmount && hasPercent:
		return NewValidationError("trailing", "set exactly one of trailing_amount or trailing_percent, not both")
	case !hasAmount && !hasPercent:
		return NewValidationError("trailing", "one of trailing_amount or trailing_percent is required")
	case r.Kind == KindTrailAmount && !hasAmount:
		return NewValidationError("trailing_amount", "TRAIL_AMOUNT orders take trailing_amount")
	case r.Kind == KindTrailPercent && !hasPercent:
		return NewValidationError("trailing_percent", "TRAIL_PERCENT orders take trailing_percent")
	}
	if hasAmount {
		if err := requirePositive("trailing_amount", r.TrailingAmount); err != nil {
			return err
		}
	}
	if hasPercent {
		if err := requirePositive("trailing_percent", r.TrailingPercent); err != nil {
			return err
		}
		if r.TrailingPercent.GreaterThanOrEqual(hundred) {
			return NewValidationError("trailing_percent", "trailing_percent must be below 100")
		}
	}
	if r.TrailStopPrice != nil {
		return requirePositive("trail_stop_price", r.TrailStopPrice)
	}
	return nil
}

func (r OrderRequest) validateBracket() error {
	if r.EntryKind != "" && r.EntryKind != KindLimit && r.EntryKind != KindMarket {
		return NewValidationError("entry_kind", "bracket entry must be LIMIT or MARKET")
	}
	if err := requirePositive("limit_price", r.LimitPrice); err != nil {
		return err
	}
	if err := requirePositive("take_profit_price", r.TakeProfitPrice); err != nil {
		return err
	}
	if err := requirePositive("stop_loss_price", r.StopLossPrice); err != nil {
		return err
	}

	entry, tp, sl := *r.LimitPrice, *r.TakeProfitPrice, *r.StopLossPrice
	if r.Side == SideBuy {
		if !(tp.GreaterThan(entry) && entry.GreaterThan(sl)) {
			return NewValidationError("bracket", fmt.Sprintf(
				"BUY bracket requires take_profit > entry > stop_loss, got %s / %s / %s", tp, entry, sl))
		}
	} else {
		if !(tp.LessThan(entry) && entry.LessThan(sl)) {
			return NewValidationError("bracket", fmt.Sprintf(
				"SELL bracket requires take_profit < entry < stop_loss, got %s / %s / %s", tp, entry, sl))
		}
	}

	if r.StopLossLimitPrice != nil {
		if err := requirePositive("stop_loss_limit_price", r.StopLossLimitPrice); err != nil {
			return err
		}
		// the protective stop-limit must not demand a better price than its trigger
		sll := *r.StopLossLimitPrice
		if r.Side == SideBuy && sll.GreaterThan(sl) {
			return NewValidationError("stop_loss_limit_price", "stop-loss limit of a BUY bracket must be at or below the stop-loss price")
		}
		if r.Side == SideSell && sll.LessThan(sl) {
			return NewValidationError("stop_loss_limit_price", "stop-loss limit of a SELL bracket must be at or above the stop-loss price")
		}
	}
	return nil
}

func (r OrderRequest) validateTimeInForce() error {
	if required, ok := RequiredTimeInForce(r.Kind); ok {
		if r.TimeInForce != "" && r.TimeInForce != required {
			return NewValidationError("time_in_force", fmt.Sprintf(
				"%s orders only accept time in force %s, got %s", r.Kind, required, r.TimeInForce))
		}
		return nil
	}
	if r.TimeInForce == TIFOPG {
		return NewValidationError("time_in_force", fmt.Sprintf("OPG is only valid for %s orders", KindMarketOnOpen))
	}
	return nil
}

func requirePositive(field string, v *decimal.Decimal) error {
	if v == nil {
		return NewValidationError(field, "is required")
	}
	if !v.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	return nil
}
