package types

import "time"

type OutcomeStatus string

const (
	StatusAccepted  OutcomeStatus = "accepted"
	StatusRejected  OutcomeStatus = "rejected"
	StatusSimulated OutcomeStatus = "simulated"
)

// OrderOutcome is the result of a placement, frozen at submission time
type OrderOutcome struct {
	OrderID       string              `json:"order_id"`
	Status        OutcomeStatus       `json:"status"`
	LegIDs        []string            `json:"leg_ids"`
	Legs          map[LegRole]string  `json:"legs"`
	VenueOrderIDs map[string]string   `json:"venue_order_ids,omitempty"` // leg id -> venue order id
	LegStatuses   map[string]LegState `json:"leg_statuses,omitempty"`
	Reasons       []string            `json:"reasons,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// LegCount is the number of legs the order expanded into
func (o OrderOutcome) LegCount() int {
	return len(o.LegIDs)
}

type LegCancelResult string

const (
	CancelDone             LegCancelResult = "cancelled"
	CancelAlreadyFilled    LegCancelResult = "already_filled"
	CancelAlreadyCancelled LegCancelResult = "already_cancelled"
	CancelFailed           LegCancelResult = "failed"
	CancelSimulated        LegCancelResult = "simulated"
	CancelNotFound         LegCancelResult = "not_found"
)

// LegCancel is the cancellation result for one leg
type LegCancel struct {
	LegID        string          `json:"leg_id"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	Result       LegCancelResult `json:"result"`
	Message      string          `json:"message,omitempty"`
}

// CancelOutcome is the cancellation result for one order
type CancelOutcome struct {
	OrderID string          `json:"order_id"`
	Status  LegCancelResult `json:"status"`
	Legs    []LegCancel     `json:"legs,omitempty"`
}

// StatusSnapshot is the current state of an order and its legs
type StatusSnapshot struct {
	OrderID   string      `json:"order_id"`
	Status    LegState    `json:"status"`
	Simulated bool        `json:"simulated"`
	Legs      []LegStatus `json:"legs"`
	AsOf      time.Time   `json:"as_of"`
}

type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Valid reports whether the mode is one of the two supported modes
func (m TradingMode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// ConfigSnapshot is the safety configuration in effect for a decision
type ConfigSnapshot struct {
	TradingMode     TradingMode `json:"trading_mode"`
	OrdersEnabled   bool        `json:"orders_enabled"`
	OverridePresent bool        `json:"override_present"`
}
