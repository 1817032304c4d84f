package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/types"
)

// placement is a decoded order_placed event
type placement struct {
	ledger.PlacedPayload
	Snapshot types.ConfigSnapshot
	At       time.Time
}

// Database reads typed order state out of the audit ledger
type Database struct {
	ledger *ledger.Ledger
}

func NewDatabase(l *ledger.Ledger) *Database {
	return &Database{ledger: l}
}

func (d *Database) GetPlacement(ctx context.Context, orderID string) (*placement, error) {
	ev, err := d.ledger.Placement(ctx, orderID)
	if err != nil || ev == nil {
		return nil, err
	}

	payload, err := ledger.Decode[ledger.PlacedPayload](*ev)
	if err != nil {
		return nil, err
	}
	snap, err := ledger.Snapshot(*ev)
	if err != nil {
		return nil, err
	}
	at, err := ledger.ParseTimestamp(ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp on order %s: %w", orderID, err)
	}
	return &placement{PlacedPayload: payload, Snapshot: snap, At: at}, nil
}

// GetOutcome returns the outcome of an order: the embedded one for orders
// resolved at placement, otherwise the resolution event. Nil means the
// order is still in flight or its outcome was never learned.
func (d *Database) GetOutcome(ctx context.Context, orderID string, p *placement) (*types.OrderOutcome, error) {
	if p.Outcome != nil {
		return p.Outcome, nil
	}

	ev, err := d.ledger.Resolution(ctx, orderID)
	if err != nil || ev == nil {
		return nil, err
	}
	payload, err := ledger.Decode[ledger.OutcomePayload](*ev)
	if err != nil {
		return nil, err
	}
	return &payload.Outcome, nil
}

// legHistory is what the ledger records about the legs of one order
type legHistory struct {
	recorded map[string]bool           // transitionKey and cancelKey marks
	state    map[string]types.LegState // latest recorded state per leg
}

// allTerminal reports whether every leg is known to be finished
func (h legHistory) allTerminal(legs []types.OrderLeg) bool {
	for _, leg := range legs {
		if !h.state[leg.ID].IsTerminal() {
			return false
		}
	}
	return true
}

// allIn reports whether every leg is recorded in the given state
func (h legHistory) allIn(legs []types.OrderLeg, state types.LegState) bool {
	for _, leg := range legs {
		if h.state[leg.ID] != state {
			return false
		}
	}
	return true
}

func (h legHistory) set(legID string, state types.LegState) {
	h.state[legID] = state
	if state == types.LegCancelled {
		h.recorded[cancelKey(legID)] = true
	}
}

// GetLegHistory replays the ledger for an order: the leg states from its
// outcome, then every recorded transition and cancellation in append order
func (d *Database) GetLegHistory(ctx context.Context, orderID string, p *placement) (legHistory, error) {
	h := legHistory{recorded: make(map[string]bool), state: make(map[string]types.LegState)}
	if p.Outcome != nil {
		for legID, st := range p.Outcome.LegStatuses {
			h.set(legID, st)
		}
	}

	events, err := d.ledger.Events(ctx, orderID)
	if err != nil {
		return h, err
	}
	placedAt := ""
	for _, ev := range events {
		if ev.EventKind == ledger.KindOrderPlaced {
			placedAt = ev.Timestamp
			continue
		}
		if placedAt == "" || ev.EventKind == ledger.KindGateDenied {
			continue
		}

		if leg, err := ledger.Decode[ledger.LegPayload](ev); err == nil && leg.LegID != "" {
			h.recorded[transitionKey(leg.LegID, leg.Status, leg.FilledQty.String())] = true
			h.set(leg.LegID, leg.Status)
			continue
		}

		switch ev.EventKind {
		case ledger.KindOrderAccepted, ledger.KindOrderRejected:
			res, err := ledger.Decode[ledger.OutcomePayload](ev)
			if err != nil {
				return h, fmt.Errorf("bad resolution on order %s: %w", orderID, err)
			}
			for legID, st := range res.Outcome.LegStatuses {
				h.set(legID, st)
			}
			// legs of a rejected order the venue never acknowledged were never sent
			if ev.EventKind == ledger.KindOrderRejected {
				for _, legID := range res.Outcome.LegIDs {
					if res.Outcome.VenueOrderIDs[legID] == "" && h.state[legID] == "" {
						h.set(legID, types.LegRejected)
					}
				}
			}
		case ledger.KindOrderCancelled:
			c, err := ledger.Decode[ledger.CancelPayload](ev)
			if err != nil {
				return h, fmt.Errorf("bad cancellation on order %s: %w", orderID, err)
			}
			for _, l := range c.Outcome.Legs {
				switch l.Result {
				case types.CancelDone, types.CancelAlreadyCancelled, types.CancelSimulated:
					h.set(l.LegID, types.LegCancelled)
				case types.CancelAlreadyFilled:
					h.set(l.LegID, types.LegFilled)
				}
			}
		}
	}
	return h, nil
}

func (d *Database) GetEvents(ctx context.Context, orderID string) ([]ledger.AuditEvent, error) {
	return d.ledger.Events(ctx, orderID)
}

// GetActiveOrders lists live orders placed since the given time that still
// have a leg not known to be terminal, including placements whose outcome
// was never learned
func (d *Database) GetActiveOrders(ctx context.Context, since time.Time) ([]string, error) {
	ids, err := d.ledger.PlacedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	var active []string
	for _, id := range ids {
		p, err := d.GetPlacement(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil || p.Simulated {
			continue
		}
		h, err := d.GetLegHistory(ctx, id, p)
		if err != nil {
			return nil, err
		}
		if !h.allTerminal(p.Legs) {
			active = append(active, id)
		}
	}
	return active, nil
}

func (d *Database) Append(ctx context.Context, e ledger.Entry) error {
	_, err := d.ledger.Append(ctx, e)
	return err
}

func transitionKey(legID string, status types.LegState, filled string) string {
	return legID + "|" + string(status) + "|" + filled
}

func cancelKey(legID string) string {
	return legID + "|" + string(types.LegCancelled)
}
