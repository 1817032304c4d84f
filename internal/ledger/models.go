package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-gate/internal/types"
)

const tableName = "audit_events"

// TimestampLayout is fixed width so lexical order equals time order
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

type EventKind string

const (
	KindOrderPlaced    EventKind = "order_placed"
	KindOrderAccepted  EventKind = "order_accepted"
	KindOrderFilled    EventKind = "order_filled"
	KindOrderCancelled EventKind = "order_cancelled"
	KindOrderRejected  EventKind = "order_rejected"
	KindGateDenied     EventKind = "gate_denied"
)

// AuditEvent is one immutable ledger row
type AuditEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CorrelationID  string    `gorm:"type:varchar(64);not null;index" json:"correlation_id"`
	Timestamp      string    `gorm:"type:varchar(32);not null" json:"timestamp"`
	EventKind      EventKind `gorm:"type:varchar(32);not null" json:"event_kind"`
	Payload        string    `gorm:"type:text;not null" json:"payload"`
	ConfigSnapshot string    `gorm:"type:text;not null" json:"config_snapshot"`
}

func (AuditEvent) TableName() string {
	return tableName
}

// PlacedPayload records the request as received and the legs built from it.
// Outcome is set when the placement resolved without a venue round trip.
type PlacedPayload struct {
	Caller    string              `json:"caller,omitempty"`
	Request   types.OrderRequest  `json:"request"`
	Legs      []types.OrderLeg    `json:"legs"`
	Simulated bool                `json:"simulated"`
	Reasons   []string            `json:"reasons"`
	Outcome   *types.OrderOutcome `json:"outcome,omitempty"`
}

// OutcomePayload resolves a live placement
type OutcomePayload struct {
	Outcome types.OrderOutcome `json:"outcome"`
	Error   string             `json:"error,omitempty"`
}

// LegPayload records a venue-observed transition of one leg
type LegPayload struct {
	LegID        string          `json:"leg_id"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	Status       types.LegState  `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Partial      bool            `json:"partial"`
	Message      string          `json:"message,omitempty"`
}

// CancelPayload records a cancellation request and its per-leg results
type CancelPayload struct {
	Outcome types.CancelOutcome `json:"outcome"`
}

// GateDeniedPayload records why a live placement was diverted to simulation
type GateDeniedPayload struct {
	Reasons []string `json:"reasons"`
}
