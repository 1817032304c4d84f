// Package exchange is an in-process venue used for development and tests.
package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

// Options tune the simulated venue
type Options struct {
	MinLatency      time.Duration
	MaxLatency      time.Duration
	SuccessRate     float64 // 0-1, probability an order is accepted
	LiquidityFactor float64 // 0-1, share of a market order filled when liquidity is short
	Seed            int64
}

// DefaultOptions never rejects and always fills market orders in full
func DefaultOptions() Options {
	return Options{
		SuccessRate:     1,
		LiquidityFactor: 1,
		Seed:            time.Now().UnixNano(),
	}
}

type simOrder struct {
	leg    types.OrderLeg
	venue  string
	status types.LegState
	filled decimal.Decimal
	avg    decimal.Decimal
}

// Simulator implements venue.Client against in-memory books
type Simulator struct {
	opts Options

	mu        sync.Mutex
	rnd       *rand.Rand
	connected bool
	nextID    int64
	conIDs    map[string]int64
	prices    map[int64]decimal.Decimal
	orders    map[string]*simOrder // venue order id
	byLeg     map[string]string    // leg id -> venue order id
}

var _ venue.Client = (*Simulator)(nil)

// NewSimulator creates a simulated venue
func NewSimulator(opts Options) *Simulator {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	return &Simulator{
		opts:   opts,
		rnd:    rand.New(rand.NewSource(opts.Seed)),
		nextID: 1000,
		conIDs: make(map[string]int64),
		prices: make(map[int64]decimal.Decimal),
		orders: make(map[string]*simOrder),
		byLeg:  make(map[string]string),
	}
}

func (s *Simulator) latency(ctx context.Context) error {
	s.mu.Lock()
	d := s.opts.MinLatency
	if spread := s.opts.MaxLatency - s.opts.MinLatency; spread > 0 {
		d += time.Duration(s.rnd.Int63n(int64(spread) + 1))
	}
	s.mu.Unlock()

	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) Connect(ctx context.Context, host string, port int, clientID int) error {
	if err := s.latency(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	log.Info().Str("component", "simulator").Str("host", host).Int("port", port).
		Int("client_id", clientID).Msg("simulated venue session opened")
	return nil
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *Simulator) ResolveInstrument(ctx context.Context, spec types.InstrumentSpec) (types.ResolvedInstrument, error) {
	if err := s.latency(ctx); err != nil {
		return types.ResolvedInstrument{}, err
	}
	spec = spec.Normalized()
	if spec.Symbol == "" {
		return types.ResolvedInstrument{}, fmt.Errorf("%w: empty symbol", venue.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := spec.Canonical()
	id, ok := s.conIDs[key]
	if !ok {
		s.nextID++
		id = s.nextID
		s.conIDs[key] = id
		s.prices[id] = decimal.NewFromInt(int64(20 + s.rnd.Intn(480)))
	}

	inst := types.LocalResolution(spec)
	inst.ConID = id
	return inst, nil
}

func (s *Simulator) Quote(ctx context.Context, inst types.ResolvedInstrument) (types.Quote, error) {
	if err := s.latency(ctx); err != nil {
		return types.Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.priceLocked(inst.ConID)
	tick := decimal.RequireFromString("0.01")
	return types.Quote{
		ConID: inst.ConID,
		Bid:   last.Sub(tick),
		Ask:   last.Add(tick),
		Last:  last,
	}, nil
}

// priceLocked applies a random variance of up to 2% to the reference price
func (s *Simulator) priceLocked(conID int64) decimal.Decimal {
	base, ok := s.prices[conID]
	if !ok {
		base = decimal.NewFromInt(100)
		s.prices[conID] = base
	}
	variance := decimal.NewFromFloat(1 + (s.rnd.Float64()*0.04 - 0.02))
	return base.Mul(variance).Round(2)
}

func (s *Simulator) Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error) {
	logger := log.With().
		Str("component", "simulator").
		Str("leg_id", leg.ID).
		Str("type", string(leg.Type)).
		Str("side", string(leg.Side)).
		Str("quantity", leg.Quantity.String()).
		Logger()

	if err := s.latency(ctx); err != nil {
		return venue.LegAck{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return venue.LegAck{}, &venue.ConnectionError{Op: "submit", Err: venue.ErrNotConnected}
	}
	if _, dup := s.byLeg[leg.ID]; dup {
		return venue.LegAck{}, &venue.RejectionError{LegID: leg.ID, Reason: "duplicate order id"}
	}
	if s.rnd.Float64() > s.opts.SuccessRate {
		logger.Warn().Float64("success_rate", s.opts.SuccessRate).Msg("simulated rejection")
		return venue.LegAck{}, &venue.RejectionError{LegID: leg.ID, Reason: "order rejected by simulated venue"}
	}

	s.nextID++
	order := &simOrder{
		leg:    leg,
		venue:  fmt.Sprintf("%d", s.nextID),
		status: types.LegSubmitted,
		filled: decimal.Zero,
		avg:    decimal.Zero,
	}
	s.orders[order.venue] = order
	s.byLeg[leg.ID] = order.venue

	if s.marketableLocked(leg) {
		s.fillLocked(order)
	}

	logger.Info().Str("venue_order_id", order.venue).Str("status", string(order.status)).
		Str("filled", order.filled.String()).Msg("simulated order accepted")

	return venue.LegAck{LegID: leg.ID, VenueOrderID: order.venue, Status: order.status}, nil
}

// marketableLocked reports whether a leg executes on arrival. Children of a
// bracket and auction orders rest until their trigger.
func (s *Simulator) marketableLocked(leg types.OrderLeg) bool {
	if leg.ParentID != "" || !leg.Transmit && leg.Role == types.RoleEntry {
		return false
	}
	return leg.Type == types.VenueMarket && leg.TimeInForce != types.TIFOPG
}

func (s *Simulator) fillLocked(o *simOrder) {
	qty := o.leg.Quantity
	if s.rnd.Float64() > s.opts.LiquidityFactor {
		partial := qty.Mul(decimal.NewFromFloat(s.opts.LiquidityFactor)).Floor()
		if partial.IsPositive() {
			qty = partial
		}
	}

	o.avg = s.priceLocked(o.leg.Instrument.ConID)
	o.filled = qty
	if qty.Equal(o.leg.Quantity) {
		o.status = types.LegFilled
	} else {
		o.status = types.LegPartiallyFilled
	}
}

func (s *Simulator) Cancel(ctx context.Context, venueOrderID string) (venue.CancelAck, error) {
	if err := s.latency(ctx); err != nil {
		return venue.CancelAck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[venueOrderID]
	if !ok {
		return venue.CancelAck{}, fmt.Errorf("%w: order %s", venue.ErrNotFound, venueOrderID)
	}

	switch o.status {
	case types.LegFilled:
		return venue.CancelAck{VenueOrderID: venueOrderID, Status: o.status, Message: "already filled"}, nil
	case types.LegCancelled, types.LegRejected:
		return venue.CancelAck{VenueOrderID: venueOrderID, Status: o.status, Message: "already " + string(o.status)}, nil
	}

	o.status = types.LegCancelled
	return venue.CancelAck{VenueOrderID: venueOrderID, Status: types.LegCancelled}, nil
}

func (s *Simulator) Status(ctx context.Context, venueOrderID string) (types.LegStatus, error) {
	if err := s.latency(ctx); err != nil {
		return types.LegStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[venueOrderID]
	if !ok {
		return types.LegStatus{}, fmt.Errorf("%w: order %s", venue.ErrNotFound, venueOrderID)
	}
	return o.snapshot(), nil
}

func (s *Simulator) StatusByLeg(ctx context.Context, legID string) (types.LegStatus, error) {
	if err := s.latency(ctx); err != nil {
		return types.LegStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLeg[legID]
	if !ok {
		return types.LegStatus{}, fmt.Errorf("%w: leg %s", venue.ErrNotFound, legID)
	}
	return s.orders[id].snapshot(), nil
}

func (s *Simulator) OpenOrders(ctx context.Context) ([]types.LegStatus, error) {
	if err := s.latency(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []types.LegStatus
	for _, o := range s.orders {
		if !o.status.IsTerminal() {
			open = append(open, o.snapshot())
		}
	}
	return open, nil
}

// Fill executes qty of a resting order at price. Used to drive lifecycle
// transitions from tests and the simulation client.
func (s *Simulator) Fill(venueOrderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: order %s", venue.ErrNotFound, venueOrderID)
	}
	if o.status.IsTerminal() {
		return fmt.Errorf("order %s is %s", venueOrderID, o.status)
	}

	remaining := venue.Remaining(o.leg.Quantity, o.filled)
	if qty.GreaterThan(remaining) || !qty.IsPositive() {
		qty = remaining
	}
	notional := o.avg.Mul(o.filled).Add(price.Mul(qty))
	o.filled = o.filled.Add(qty)
	o.avg = notional.Div(o.filled).Round(4)
	if o.filled.LessThan(o.leg.Quantity) {
		o.status = types.LegPartiallyFilled
		return nil
	}
	o.status = types.LegFilled

	// one-cancels-all within the bracket exit group
	if o.leg.CancelGroup != "" {
		for _, sib := range s.orders {
			if sib != o && sib.leg.CancelGroup == o.leg.CancelGroup && !sib.status.IsTerminal() {
				sib.status = types.LegCancelled
			}
		}
	}
	return nil
}

// VenueOrderID returns the venue id assigned to a leg
func (s *Simulator) VenueOrderID(legID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byLeg[legID]
	return id, ok
}

// Submitted returns how many legs the venue has accepted
func (s *Simulator) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (o *simOrder) snapshot() types.LegStatus {
	return types.LegStatus{
		LegID:        o.leg.ID,
		OrderID:      o.leg.OrderID,
		Role:         o.leg.Role,
		VenueOrderID: o.venue,
		Status:       o.status,
		FilledQty:    o.filled,
		RemainingQty: venue.Remaining(o.leg.Quantity, o.filled),
		AvgFillPrice: o.avg,
	}
}
