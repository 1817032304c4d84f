package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-gate/internal/config"
	"github.com/ksred/klear-gate/internal/database"
	"github.com/ksred/klear-gate/internal/exchange"
	"github.com/ksred/klear-gate/internal/gate"
	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

var testNow = time.Date(2026, 3, 2, 14, 30, 1, 0, time.UTC)

// testClock starts at testNow and only moves when advanced
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	clock    *testClock
	sim      *exchange.Simulator
	conn     *venue.Connection
	db       *gorm.DB
	ledger   *ledger.Ledger
	safety   *config.StaticSafetySource
	override atomic.Bool
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	sim   exchange.Options
	opts  Options
	venue func(*venue.Connection) Venue
}

func withSimulator(fn func(*exchange.Options)) harnessOption {
	return func(s *harnessSetup) { fn(&s.sim) }
}

func withVenue(wrap func(*venue.Connection) Venue) harnessOption {
	return func(s *harnessSetup) { s.venue = wrap }
}

func withOptions(fn func(*Options)) harnessOption {
	return func(s *harnessSetup) { fn(&s.opts) }
}

func newHarness(t *testing.T, safety config.Safety, opts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{
		sim: exchange.DefaultOptions(),
		opts: Options{
			IDBucket:      10 * time.Second,
			SubmitTimeout: 2 * time.Second,
			ClaimPoll:     5 * time.Millisecond,
		},
		venue: func(c *venue.Connection) Venue { return c },
	}
	setup.sim.Seed = 42
	for _, o := range opts {
		o(&setup)
	}

	db, err := database.NewDatabase(database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	l, err := ledger.New(db)
	require.NoError(t, err)

	h := &harness{
		sim:    exchange.NewSimulator(setup.sim),
		db:     db,
		ledger: l,
		safety: config.NewStaticSafetySource(safety),
		clock:  &testClock{t: testNow},
	}
	h.conn = venue.NewConnection(h.sim, venue.DefaultConfig())
	t.Cleanup(h.conn.Close)
	require.NoError(t, h.conn.Connect(context.Background()))

	h.svc = NewService(l, setup.venue(h.conn), h.safety, setup.opts).
		WithClock(h.clock.now).
		WithGate(gate.NewChainWithStat(func(string) bool { return h.override.Load() }))
	return h
}

func paperSafety() config.Safety {
	return config.Safety{Mode: types.ModePaper}
}

func liveSafety() config.Safety {
	return config.Safety{Mode: types.ModeLive, OrdersEnabled: true, OverridePath: "/etc/klear/live.override"}
}

func newLiveHarness(t *testing.T, opts ...harnessOption) *harness {
	h := newHarness(t, liveSafety(), opts...)
	h.override.Store(true)
	return h
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func marketOrder(symbol string, qty int64) types.OrderRequest {
	return types.OrderRequest{
		Instrument: types.InstrumentSpec{Symbol: symbol},
		Side:       types.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Kind:       types.KindMarket,
	}
}

func limitOrder(symbol string, qty int64, price string) types.OrderRequest {
	req := marketOrder(symbol, qty)
	req.Kind = types.KindLimit
	req.LimitPrice = dec(price)
	return req
}

func bracketOrder() types.OrderRequest {
	return types.OrderRequest{
		Instrument:      types.InstrumentSpec{Symbol: "MSFT"},
		Side:            types.SideBuy,
		Quantity:        decimal.NewFromInt(5),
		Kind:            types.KindBracket,
		LimitPrice:      dec("400"),
		TakeProfitPrice: dec("420"),
		StopLossPrice:   dec("390"),
	}
}

func (h *harness) events(t *testing.T, orderID string) []ledger.AuditEvent {
	t.Helper()
	events, err := h.ledger.Events(context.Background(), orderID)
	require.NoError(t, err)
	return events
}

func kinds(events []ledger.AuditEvent) []ledger.EventKind {
	out := make([]ledger.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventKind)
	}
	return out
}

func TestPaperOrderIsSimulatedAndRecordedOnce(t *testing.T) {
	h := newHarness(t, paperSafety())
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSimulated, outcome.Status)
	assert.Equal(t, 1, outcome.LegCount())
	assert.Contains(t, outcome.Reasons, "trading mode is paper")
	assert.Equal(t, types.LegSimulated, outcome.LegStatuses[outcome.LegIDs[0]])
	assert.Equal(t, 0, h.sim.Submitted())

	events := h.events(t, outcome.OrderID)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.KindOrderPlaced, events[0].EventKind)

	snap, err := ledger.Snapshot(events[0])
	require.NoError(t, err)
	assert.Equal(t, types.ModePaper, snap.TradingMode)

	placed, err := ledger.Decode[ledger.PlacedPayload](events[0])
	require.NoError(t, err)
	assert.Equal(t, "desk-1", placed.Caller)
	assert.True(t, placed.Simulated)
	assert.Equal(t, "AAPL", placed.Request.Instrument.Symbol)
}

func TestDuplicateRequestReturnsFirstOutcome(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	first, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, first.Status)

	second, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("aapl", 10))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.VenueOrderIDs, second.VenueOrderIDs)
	assert.Equal(t, 1, h.sim.Submitted())

	// the replay writes nothing
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderAccepted}, kinds(h.events(t, first.OrderID)))
}

func TestIdempotencyKeyDedupesAcrossBuckets(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	req := marketOrder("AAPL", 10)
	req.IdempotencyKey = "retry-7"
	req.RequestedAt = testNow
	first, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)

	req.RequestedAt = testNow.Add(time.Minute)
	second, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, h.sim.Submitted())

	// without the key the next bucket is a new order
	req.IdempotencyKey = ""
	third, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, third.OrderID)
	assert.Equal(t, 2, h.sim.Submitted())
}

func TestConcurrentIdenticalRequestsSubmitOnce(t *testing.T) {
	h := newLiveHarness(t, withSimulator(func(o *exchange.Options) {
		o.MinLatency = 20 * time.Millisecond
		o.MaxLatency = 40 * time.Millisecond
	}))

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []*types.OrderOutcome
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.PlaceOrder(context.Background(), "desk-1", marketOrder("AAPL", 10))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, outcomes, callers)
	for _, out := range outcomes {
		assert.Equal(t, outcomes[0].OrderID, out.OrderID)
		assert.Equal(t, types.StatusAccepted, out.Status)
	}
	assert.Equal(t, 1, h.sim.Submitted())
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderAccepted}, kinds(h.events(t, outcomes[0].OrderID)))
}

func TestLiveWithoutOverrideIsSimulated(t *testing.T) {
	h := newHarness(t, liveSafety())
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSimulated, outcome.Status)
	assert.Contains(t, strings.Join(outcome.Reasons, ";"), "live override file")
	assert.Equal(t, 0, h.sim.Submitted())

	events := h.events(t, outcome.OrderID)
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindGateDenied}, kinds(events))

	snap, err := ledger.Snapshot(events[0])
	require.NoError(t, err)
	assert.Equal(t, types.ModeLive, snap.TradingMode)
	assert.False(t, snap.OverridePresent)
}

func TestSafetyIsReadPerOrder(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	live, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, live.Status)

	// removing the override takes effect on the very next order
	h.override.Store(false)
	sim, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 11))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSimulated, sim.Status)

	h.override.Store(true)
	h.safety.Set(config.Safety{Mode: types.ModeLive, OrdersEnabled: false, OverridePath: "/etc/klear/live.override"})
	disabled, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 12))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSimulated, disabled.Status)
	assert.Contains(t, disabled.Reasons, "orders are disabled")

	assert.Equal(t, 1, h.sim.Submitted())
}

func TestBracketSubmitsThreeLinkedLegs(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, outcome.Status)
	require.Equal(t, 3, outcome.LegCount())
	assert.Equal(t, 3, h.sim.Submitted())

	entry := outcome.Legs[types.RoleEntry]
	assert.Equal(t, outcome.OrderID+"-E", entry)
	assert.Equal(t, outcome.OrderID+"-TP", outcome.Legs[types.RoleTakeProfit])
	assert.Equal(t, outcome.OrderID+"-SL", outcome.Legs[types.RoleStopLoss])
	for _, id := range outcome.LegIDs {
		assert.Equal(t, types.LegSubmitted, outcome.LegStatuses[id])
		assert.NotEmpty(t, outcome.VenueOrderIDs[id])
	}

	// the resting legs are the venue's open orders
	open, err := h.svc.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, outcome.OrderID, open[0].OrderID)
	assert.Len(t, open[0].Legs, 3)
}

func TestBracketSimulatedInPaperMode(t *testing.T) {
	h := newHarness(t, paperSafety())

	outcome, err := h.svc.PlaceOrder(context.Background(), "desk-1", bracketOrder())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSimulated, outcome.Status)
	assert.Equal(t, 3, outcome.LegCount())
	assert.Equal(t, 0, h.sim.Submitted())
}

func TestInvalidRequestNeverReachesVenueOrLedger(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	moc := marketOrder("AAPL", 10)
	moc.Kind = types.KindMarketOnClose
	moc.TimeInForce = types.TIFGTC

	_, err := h.svc.PlaceOrder(ctx, "desk-1", moc)
	assert.ErrorIs(t, err, types.ErrValidation)

	bad := bracketOrder()
	bad.StopLossPrice = dec("410")
	_, err = h.svc.PlaceOrder(ctx, "desk-1", bad)
	assert.ErrorIs(t, err, types.ErrValidation)

	assert.Equal(t, 0, h.sim.Submitted())
	var count int64
	require.NoError(t, h.db.Model(&ledger.AuditEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestVenueRejectionIsRecorded(t *testing.T) {
	h := newLiveHarness(t, withSimulator(func(o *exchange.Options) { o.SuccessRate = 0 }))

	outcome, err := h.svc.PlaceOrder(context.Background(), "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, outcome.Status)
	assert.NotEmpty(t, outcome.Errors)

	events := h.events(t, outcome.OrderID)
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderRejected}, kinds(events))

	// replays return the rejection and do not resubmit
	again, err := h.svc.PlaceOrder(context.Background(), "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, again.Status)
}

// rejectingVenue refuses the take-profit leg of a bracket
type rejectingVenue struct {
	*venue.Connection
}

func (v rejectingVenue) Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error) {
	if leg.Role == types.RoleTakeProfit {
		return venue.LegAck{}, &venue.RejectionError{LegID: leg.ID, Reason: "price outside band"}
	}
	return v.Connection.Submit(ctx, leg)
}

func TestBracketRejectionUnwindsAcceptedLegs(t *testing.T) {
	h := newLiveHarness(t, withVenue(func(c *venue.Connection) Venue { return rejectingVenue{c} }))
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, outcome.Status)

	entryID := outcome.Legs[types.RoleEntry]
	assert.Equal(t, types.LegCancelled, outcome.LegStatuses[entryID])
	assert.Equal(t, types.LegRejected, outcome.LegStatuses[outcome.Legs[types.RoleTakeProfit]])

	venueID, ok := h.sim.VenueOrderID(entryID)
	require.True(t, ok)
	st, err := h.sim.Status(ctx, venueID)
	require.NoError(t, err)
	assert.Equal(t, types.LegCancelled, st.Status)

	open, err := h.svc.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

// stallingVenue accepts nothing and answers nothing
type stallingVenue struct {
	*venue.Connection
	calls atomic.Int32
}

func (v *stallingVenue) Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error) {
	v.calls.Add(1)
	<-ctx.Done()
	return venue.LegAck{}, fmt.Errorf("outcome unknown: %w", ctx.Err())
}

func TestSubmitTimeoutIsUnknownAndNeverRetried(t *testing.T) {
	var stall *stallingVenue
	h := newLiveHarness(t,
		withOptions(func(o *Options) { o.SubmitTimeout = 50 * time.Millisecond }),
		withVenue(func(c *venue.Connection) Venue {
			stall = &stallingVenue{Connection: c}
			return stall
		}),
	)
	ctx := context.Background()

	_, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.ErrorIs(t, err, ErrSubmissionUnknown)

	preview, err := h.svc.PreviewOrder(ctx, marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced}, kinds(h.events(t, preview.OrderID)))

	// too soon to tell: the submission may still be on its way
	snap, err := h.svc.GetOrderStatus(ctx, preview.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegUnknown, snap.Status)

	// the retry waits out the submission, then asks the venue, which never saw it
	again, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 10))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, again.Status)
	assert.Contains(t, strings.Join(again.Errors, ";"), "venue has no record of")
	assert.EqualValues(t, 1, stall.calls.Load())
	assert.Equal(t, 0, h.sim.Submitted())
	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderRejected}, kinds(h.events(t, preview.OrderID)))

	snap, err = h.svc.GetOrderStatus(ctx, preview.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegRejected, snap.Status)

	cancel, err := h.svc.CancelOrders(ctx, "desk-1", []string{preview.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelFailed, cancel[0].Status)
	assert.Equal(t, "order was rejected; nothing to cancel", cancel[0].Legs[0].Message)
}

// lateVenue delivers the order but loses the acknowledgement
type lateVenue struct {
	*venue.Connection
}

func (v lateVenue) Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error) {
	ack, err := v.Connection.Submit(context.WithoutCancel(ctx), leg)
	if err != nil {
		return ack, err
	}
	<-ctx.Done()
	return venue.LegAck{}, fmt.Errorf("acknowledgement lost: %w", ctx.Err())
}

func TestLostAcknowledgementIsReconciled(t *testing.T) {
	h := newLiveHarness(t,
		withOptions(func(o *Options) { o.SubmitTimeout = 50 * time.Millisecond }),
		withVenue(func(c *venue.Connection) Venue { return lateVenue{c} }),
	)
	ctx := context.Background()

	req := limitOrder("AAPL", 10, "150")
	req.RequestedAt = testNow
	_, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.ErrorIs(t, err, ErrSubmissionUnknown)
	require.Equal(t, 1, h.sim.Submitted())

	preview, err := h.svc.PreviewOrder(ctx, req)
	require.NoError(t, err)
	orderID := preview.OrderID

	snap, err := h.svc.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegUnknown, snap.Status)

	ids, err := h.svc.db.GetActiveOrders(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{orderID}, ids)

	h.clock.advance(time.Minute)
	snap, err = h.svc.GetOrderStatus(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegSubmitted, snap.Status)
	require.Len(t, snap.Legs, 1)
	assert.NotEmpty(t, snap.Legs[0].VenueOrderID)

	events := h.events(t, orderID)
	require.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderAccepted}, kinds(events))
	accepted, err := ledger.Decode[ledger.OutcomePayload](events[1])
	require.NoError(t, err)
	assert.Equal(t, snap.Legs[0].VenueOrderID, accepted.Outcome.VenueOrderIDs[preview.Legs[0].ID])
	assert.Contains(t, strings.Join(accepted.Outcome.Warnings, ";"), "reconciled with the venue")

	again, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, again.Status)
	assert.Equal(t, 1, h.sim.Submitted())

	out, err := h.svc.CancelOrders(ctx, "desk-1", []string{orderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelDone, out[0].Status)

	open, err := h.svc.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

// flakyVenue fails the first cancel of one venue order
type flakyVenue struct {
	*venue.Connection
	mu       sync.Mutex
	failNext string
}

func (v *flakyVenue) failCancelOnce(venueOrderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = venueOrderID
}

func (v *flakyVenue) Cancel(ctx context.Context, venueOrderID string) (venue.CancelAck, error) {
	v.mu.Lock()
	fail := v.failNext == venueOrderID
	if fail {
		v.failNext = ""
	}
	v.mu.Unlock()

	if fail {
		return venue.CancelAck{}, &venue.ConnectionError{Op: "cancel", Err: errors.New("connection reset by peer")}
	}
	return v.Connection.Cancel(ctx, venueOrderID)
}

func TestCancelRetriesLegThatFailed(t *testing.T) {
	var flaky *flakyVenue
	h := newLiveHarness(t, withVenue(func(c *venue.Connection) Venue {
		flaky = &flakyVenue{Connection: c}
		return flaky
	}))
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)
	stopID := outcome.Legs[types.RoleStopLoss]
	stopVenueID := outcome.VenueOrderIDs[stopID]
	flaky.failCancelOnce(stopVenueID)

	first, err := h.svc.CancelOrders(ctx, "desk-1", []string{outcome.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelDone, first[0].Status)
	results := make(map[string]types.LegCancelResult)
	for _, l := range first[0].Legs {
		results[l.LegID] = l.Result
	}
	assert.Equal(t, types.CancelFailed, results[stopID])

	st, err := h.sim.Status(ctx, stopVenueID)
	require.NoError(t, err)
	assert.Equal(t, types.LegSubmitted, st.Status)

	// the stop is still working, so the order is too
	ids, err := h.svc.db.GetActiveOrders(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{outcome.OrderID}, ids)

	second, err := h.svc.CancelOrders(ctx, "desk-1", []string{outcome.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelDone, second[0].Status)
	st, err = h.sim.Status(ctx, stopVenueID)
	require.NoError(t, err)
	assert.Equal(t, types.LegCancelled, st.Status)

	third, err := h.svc.CancelOrders(ctx, "desk-1", []string{outcome.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelAlreadyCancelled, third[0].Status)

	assert.Equal(t, []ledger.EventKind{
		ledger.KindOrderPlaced,
		ledger.KindOrderAccepted,
		ledger.KindOrderCancelled,
		ledger.KindOrderCancelled,
	}, kinds(h.events(t, outcome.OrderID)))

	ids, err = h.svc.db.GetActiveOrders(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCancelAfterVenueCancelledOneExit(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)
	entryVenueID := outcome.VenueOrderIDs[outcome.Legs[types.RoleEntry]]
	profitVenueID := outcome.VenueOrderIDs[outcome.Legs[types.RoleTakeProfit]]
	stopVenueID := outcome.VenueOrderIDs[outcome.Legs[types.RoleStopLoss]]

	require.NoError(t, h.sim.Fill(entryVenueID, decimal.Zero, decimal.NewFromInt(400)))
	_, err = h.sim.Cancel(ctx, profitVenueID)
	require.NoError(t, err)

	// records the fill and the venue's cancel of the take-profit
	snap, err := h.svc.GetOrderStatus(ctx, outcome.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegPartiallyFilled, snap.Status)
	assert.Equal(t, []ledger.EventKind{
		ledger.KindOrderPlaced,
		ledger.KindOrderAccepted,
		ledger.KindOrderFilled,
		ledger.KindOrderCancelled,
	}, kinds(h.events(t, outcome.OrderID)))

	ids, err := h.svc.db.GetActiveOrders(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{outcome.OrderID}, ids)

	out, err := h.svc.CancelOrders(ctx, "desk-1", []string{outcome.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelDone, out[0].Status)
	results := make(map[string]types.LegCancelResult)
	for _, l := range out[0].Legs {
		results[l.LegID] = l.Result
	}
	assert.Equal(t, types.CancelAlreadyFilled, results[outcome.Legs[types.RoleEntry]])
	assert.Equal(t, types.CancelAlreadyCancelled, results[outcome.Legs[types.RoleTakeProfit]])
	assert.Equal(t, types.CancelDone, results[outcome.Legs[types.RoleStopLoss]])

	st, err := h.sim.Status(ctx, stopVenueID)
	require.NoError(t, err)
	assert.Equal(t, types.LegCancelled, st.Status)

	ids, err = h.svc.db.GetActiveOrders(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// downVenue refuses every call while down
type downVenue struct {
	*venue.Connection
	down atomic.Bool
}

func (v *downVenue) Ready(ctx context.Context) error {
	if v.down.Load() {
		return &venue.ConnectionError{Op: "ready", Err: venue.ErrNotConnected}
	}
	return v.Connection.Ready(ctx)
}

func TestUnreachableVenueRecordsRejectedAttempt(t *testing.T) {
	var dv *downVenue
	h := newLiveHarness(t, withVenue(func(c *venue.Connection) Venue {
		dv = &downVenue{Connection: c}
		return dv
	}))
	ctx := context.Background()
	dv.down.Store(true)

	req := marketOrder("AAPL", 10)
	_, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, venue.ErrConnection))
	assert.Equal(t, 0, h.sim.Submitted())

	preview, err := h.svc.PreviewOrder(ctx, req)
	require.NoError(t, err)
	events := h.events(t, preview.OrderID)
	require.Equal(t, []ledger.EventKind{ledger.KindOrderRejected}, kinds(events))
	rejected, err := ledger.Decode[ledger.OutcomePayload](events[0])
	require.NoError(t, err)
	assert.Contains(t, rejected.Outcome.Reasons, "live mode, orders enabled, override present")
	assert.Contains(t, rejected.Error, "not connected")
	snap, err := ledger.Snapshot(events[0])
	require.NoError(t, err)
	assert.True(t, snap.OverridePresent)

	// nothing was claimed, so the same id places normally once the venue is back
	_, err = h.svc.GetOrderStatus(ctx, preview.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	dv.down.Store(false)
	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, outcome.Status)
	assert.Equal(t, []ledger.EventKind{
		ledger.KindOrderRejected,
		ledger.KindOrderPlaced,
		ledger.KindOrderAccepted,
	}, kinds(h.events(t, preview.OrderID)))

	again, err := h.svc.PlaceOrder(ctx, "desk-1", req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, again.Status)
	assert.Equal(t, 1, h.sim.Submitted())
}

func TestGateDenialWriteFailureIsReturned(t *testing.T) {
	h := newHarness(t, liveSafety())
	require.NoError(t, h.db.Callback().Create().Before("gorm:create").Register("test:fail_gate_denied", func(tx *gorm.DB) {
		if ev, ok := tx.Statement.Dest.(*ledger.AuditEvent); ok && ev.EventKind == ledger.KindGateDenied {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := h.svc.PlaceOrder(context.Background(), "desk-1", marketOrder("AAPL", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedgerWrite)
	assert.Equal(t, 0, h.sim.Submitted())
}

func TestReplayWithDifferentPriceWarns(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	first, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "150"))
	require.NoError(t, err)
	assert.Empty(t, first.Warnings)

	second, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "151"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.VenueOrderIDs, second.VenueOrderIDs)
	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "limit_price")
	assert.Equal(t, 1, h.sim.Submitted())

	// the recorded outcome itself is untouched
	third, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "150.00"))
	require.NoError(t, err)
	assert.Empty(t, third.Warnings)
}

// countWrites counts every statement gorm issues against the ledger
func countWrites(t *testing.T, db *gorm.DB) (creates, mutations *atomic.Int32) {
	t.Helper()
	creates, mutations = new(atomic.Int32), new(atomic.Int32)
	cb := db.Callback()
	require.NoError(t, cb.Create().After("gorm:create").Register("test:count_create", func(tx *gorm.DB) {
		creates.Add(1)
	}))
	require.NoError(t, cb.Update().Before("gorm:update").Register("test:count_update", func(tx *gorm.DB) {
		mutations.Add(1)
	}))
	require.NoError(t, cb.Delete().Before("gorm:delete").Register("test:count_delete", func(tx *gorm.DB) {
		mutations.Add(1)
	}))
	require.NoError(t, cb.Raw().Before("gorm:raw").Register("test:count_raw", func(tx *gorm.DB) {
		sql := strings.ToUpper(strings.TrimSpace(tx.Statement.SQL.String()))
		if strings.HasPrefix(sql, "UPDATE") || strings.HasPrefix(sql, "DELETE") {
			mutations.Add(1)
		}
	}))
	return creates, mutations
}

func TestLifecycleOnlyAppends(t *testing.T) {
	h := newLiveHarness(t)
	creates, mutations := countWrites(t, h.db)
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "150"))
	require.NoError(t, err)
	venueID := outcome.VenueOrderIDs[outcome.LegIDs[0]]
	require.NotEmpty(t, venueID)

	require.NoError(t, h.sim.Fill(venueID, decimal.NewFromInt(4), decimal.NewFromInt(150)))
	snap, err := h.svc.GetOrderStatus(ctx, outcome.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegPartiallyFilled, snap.Status)

	// polling again without a venue change records nothing new
	_, err = h.svc.GetOrderStatus(ctx, outcome.OrderID)
	require.NoError(t, err)

	require.NoError(t, h.sim.Fill(venueID, decimal.Zero, decimal.NewFromInt(151)))
	snap, err = h.svc.GetOrderStatus(ctx, outcome.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegFilled, snap.Status)
	assert.True(t, snap.Legs[0].FilledQty.Equal(decimal.NewFromInt(10)))

	events := h.events(t, outcome.OrderID)
	assert.Equal(t, []ledger.EventKind{
		ledger.KindOrderPlaced,
		ledger.KindOrderAccepted,
		ledger.KindOrderFilled,
		ledger.KindOrderFilled,
	}, kinds(events))

	partial, err := ledger.Decode[ledger.LegPayload](events[2])
	require.NoError(t, err)
	assert.True(t, partial.Partial)
	assert.True(t, partial.FilledQty.Equal(decimal.NewFromInt(4)))

	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Timestamp, events[i].Timestamp)
	}
	assert.EqualValues(t, len(events), creates.Load())
	assert.Zero(t, mutations.Load())
}

func TestCancelOrders(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	resting, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "150"))
	require.NoError(t, err)
	filled, err := h.svc.PlaceOrder(ctx, "desk-1", marketOrder("AAPL", 3))
	require.NoError(t, err)

	out, err := h.svc.CancelOrders(ctx, "desk-1", []string{resting.OrderID, filled.OrderID, "ord-missing"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, types.CancelDone, out[0].Status)
	assert.Equal(t, types.CancelAlreadyFilled, out[1].Status)
	assert.Equal(t, types.CancelNotFound, out[2].Status)

	again, err := h.svc.CancelOrders(ctx, "desk-1", []string{resting.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelAlreadyCancelled, again[0].Status)

	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderAccepted, ledger.KindOrderCancelled},
		kinds(h.events(t, resting.OrderID)))

	// the venue-side cancel is already on record for the leg
	snap, err := h.svc.GetOrderStatus(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.LegCancelled, snap.Status)
	assert.Len(t, h.events(t, resting.OrderID), 3)
}

func TestCancelSimulatedOrder(t *testing.T) {
	h := newHarness(t, paperSafety())
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)

	out, err := h.svc.CancelOrders(ctx, "desk-1", []string{outcome.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.CancelSimulated, out[0].Status)
	assert.Len(t, out[0].Legs, 3)

	snap, err := h.svc.GetOrderStatus(ctx, outcome.OrderID)
	require.NoError(t, err)
	assert.True(t, snap.Simulated)
	assert.Equal(t, types.LegCancelled, snap.Status)
	assert.Equal(t, 0, h.sim.Submitted())
}

func TestStatusOfUnknownOrder(t *testing.T) {
	h := newHarness(t, paperSafety())
	_, err := h.svc.GetOrderStatus(context.Background(), "ord-nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.AuditTrail(context.Background(), "ord-nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPreviewWritesNothing(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	preview, err := h.svc.PreviewOrder(ctx, bracketOrder())
	require.NoError(t, err)
	assert.False(t, preview.Simulate)
	assert.Len(t, preview.Legs, 3)
	assert.Equal(t, types.ModeLive, preview.Snapshot.TradingMode)

	// the id matches what placement would use
	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", bracketOrder())
	require.NoError(t, err)
	assert.Equal(t, preview.OrderID, outcome.OrderID)
	assert.Equal(t, 3, h.sim.Submitted())
}

func TestPollerRecordsFills(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	outcome, err := h.svc.PlaceOrder(ctx, "desk-1", limitOrder("AAPL", 10, "150"))
	require.NoError(t, err)
	require.NoError(t, h.sim.Fill(outcome.VenueOrderIDs[outcome.LegIDs[0]], decimal.Zero, decimal.NewFromInt(150)))

	p := NewPoller(h.svc, time.Hour, 0)
	require.NoError(t, p.Poll(ctx))
	require.NoError(t, p.Poll(ctx))

	assert.Equal(t, []ledger.EventKind{ledger.KindOrderPlaced, ledger.KindOrderAccepted, ledger.KindOrderFilled},
		kinds(h.events(t, outcome.OrderID)))
}
