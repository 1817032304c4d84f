// Package venue owns the single connection to the external trading venue.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-gate/internal/types"
)

var (
	// ErrConnection is matched by every ConnectionError
	ErrConnection = errors.New("venue connection error")
	// ErrNotConnected means the call was refused locally; nothing was sent
	ErrNotConnected = errors.New("venue not connected")
	// ErrNotSent means the caller gave up before the worker dispatched the call
	ErrNotSent = errors.New("venue request was not sent")
	// ErrClosed is returned once the connection has been shut down
	ErrClosed = errors.New("venue connection closed")
	// ErrNotFound is returned when the venue does not know an instrument or order
	ErrNotFound = errors.New("venue: not found")
)

// ConnectionError reports a transport or availability failure. It is never
// retried inside this package.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnection, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// RejectionError is the venue refusing an order it did receive
type RejectionError struct {
	LegID  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue rejected leg %s: %s", e.LegID, e.Reason)
}

// Sent reports whether err leaves open the possibility that the venue
// received the request
func Sent(err error) bool {
	return !(errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotSent) || errors.Is(err, ErrClosed))
}

// LegAck is the venue's acknowledgement of a submitted leg
type LegAck struct {
	LegID        string         `json:"leg_id"`
	VenueOrderID string         `json:"venue_order_id"`
	Status       types.LegState `json:"status"`
	Message      string         `json:"message,omitempty"`
}

// CancelAck is the venue's answer to a cancel request
type CancelAck struct {
	VenueOrderID string         `json:"venue_order_id"`
	Status       types.LegState `json:"status"`
	Message      string         `json:"message,omitempty"`
}

// Client is the venue SDK boundary. Implementations are not safe for
// concurrent use; Connection serializes every call onto one goroutine.
type Client interface {
	Connect(ctx context.Context, host string, port int, clientID int) error
	Connected() bool
	Disconnect() error
	ResolveInstrument(ctx context.Context, spec types.InstrumentSpec) (types.ResolvedInstrument, error)
	Quote(ctx context.Context, inst types.ResolvedInstrument) (types.Quote, error)
	Submit(ctx context.Context, leg types.OrderLeg) (LegAck, error)
	Cancel(ctx context.Context, venueOrderID string) (CancelAck, error)
	Status(ctx context.Context, venueOrderID string) (types.LegStatus, error)
	// StatusByLeg looks an order up by the leg id it was submitted under.
	// ErrNotFound means the venue never received it.
	StatusByLeg(ctx context.Context, legID string) (types.LegStatus, error)
	OpenOrders(ctx context.Context) ([]types.LegStatus, error)
}

// Remaining is quantity minus filled, floored at zero
func Remaining(qty, filled decimal.Decimal) decimal.Decimal {
	r := qty.Sub(filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
