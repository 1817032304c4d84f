package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-gate/internal/builder"
	"github.com/ksred/klear-gate/internal/config"
	"github.com/ksred/klear-gate/internal/gate"
	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/metrics"
	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

// Venue is the slice of venue.Connection the coordinator needs
type Venue interface {
	Ready(ctx context.Context) error
	ResolveInstrument(ctx context.Context, spec types.InstrumentSpec) (types.ResolvedInstrument, error)
	Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error)
	Cancel(ctx context.Context, venueOrderID string) (venue.CancelAck, error)
	Status(ctx context.Context, venueOrderID string) (types.LegStatus, error)
	StatusByLeg(ctx context.Context, legID string) (types.LegStatus, error)
	OpenOrders(ctx context.Context) ([]types.LegStatus, error)
}

// Service coordinates gate, builder, venue and ledger for each order
type Service struct {
	db      *Database
	venue   Venue
	safety  config.SafetySource
	gate    *gate.Chain
	builder *builder.Builder
	opts    Options
	now     func() time.Time

	submitting  inflight
	reconcileMu sync.Mutex
}

// inflight counts the submissions running in this process per order
type inflight struct {
	mu     sync.Mutex
	orders map[string]int
}

func (f *inflight) enter(orderID string) func() {
	f.mu.Lock()
	f.orders[orderID]++
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.orders[orderID]--
		if f.orders[orderID] <= 0 {
			delete(f.orders, orderID)
		}
	}
}

func (f *inflight) active(orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID] > 0
}

// NewService creates a new order coordinator. Safety values are pulled from
// safety on every request.
func NewService(l *ledger.Ledger, v Venue, safety config.SafetySource, opts Options) *Service {
	def := DefaultOptions()
	if opts.IDBucket <= 0 {
		opts.IDBucket = def.IDBucket
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = def.SubmitTimeout
	}
	if opts.ClaimPoll <= 0 {
		opts.ClaimPoll = def.ClaimPoll
	}

	return &Service{
		db:      NewDatabase(l),
		venue:   v,
		safety:  safety,
		gate:    gate.NewChain(),
		builder: builder.New(),
		opts:    opts,
		now:     time.Now,

		submitting: inflight{orders: make(map[string]int)},
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithGate replaces the gate chain
func (s *Service) WithGate(chain *gate.Chain) *Service {
	s.gate = chain
	return s
}

// WithBuilder replaces the order builder
func (s *Service) WithBuilder(b *builder.Builder) *Service {
	s.builder = b
	return s
}

// prepare normalizes, stamps and validates a request and derives its id
func (s *Service) prepare(req types.OrderRequest) (types.OrderRequest, string, error) {
	req = req.Normalized()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	req.RequestedAt = req.RequestedAt.UTC()

	if err := req.Validate(); err != nil {
		return req, "", err
	}
	return req, builder.OrderID(req, s.opts.IDBucket), nil
}

func (s *Service) decide(req types.OrderRequest) (gate.Decision, error) {
	cfg, err := s.safety.Safety()
	if err != nil {
		return gate.Decision{}, fmt.Errorf("failed to read safety configuration: %w", err)
	}
	d := s.gate.Evaluate(cfg, req)
	if d.Simulate {
		metrics.GateDecisions.WithLabelValues("simulate").Inc()
	} else {
		metrics.GateDecisions.WithLabelValues("live").Inc()
	}
	return d, nil
}

// PreviewOrder reports what PlaceOrder would do without calling the venue
// or writing the ledger
func (s *Service) PreviewOrder(ctx context.Context, req types.OrderRequest) (*Preview, error) {
	req, orderID, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	decision, err := s.decide(req)
	if err != nil {
		return nil, err
	}

	legs, err := s.builder.Build(orderID, req, types.LocalResolution(req.Instrument))
	if err != nil {
		return nil, err
	}

	status := types.StatusAccepted
	if decision.Simulate {
		status = types.StatusSimulated
	}
	outcome := newOutcome(orderID, status, legs, decision.Reasons, s.now())
	outcome.Warnings = append(outcome.Warnings, "preview only; nothing was sent or recorded")

	return &Preview{
		OrderID:  orderID,
		Simulate: decision.Simulate,
		Reasons:  decision.Reasons,
		Legs:     legs,
		Outcome:  outcome,
		Snapshot: decision.Snapshot,
	}, nil
}

// PlaceOrder validates, gates and then either simulates or submits the
// order. A request whose deterministic id was already placed returns the
// recorded outcome without contacting the venue.
func (s *Service) PlaceOrder(ctx context.Context, caller string, req types.OrderRequest) (*types.OrderOutcome, error) {
	req, orderID, err := s.prepare(req)
	if err != nil {
		log.Debug().Str("caller", caller).Err(err).Msg("order request failed validation")
		return nil, err
	}

	logger := log.With().
		Str("order_id", orderID).
		Str("correlation_id", orderID).
		Str("caller", caller).
		Str("symbol", req.Instrument.Symbol).
		Str("side", string(req.Side)).
		Str("kind", string(req.Kind)).
		Str("quantity", req.Quantity.String()).
		Logger()

	prior, err := s.db.GetPlacement(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check order %s: %w", orderID, err)
	}
	if prior != nil {
		logger.Info().Msg("order already placed, returning recorded outcome")
		return s.replay(ctx, logger, orderID, prior, req)
	}

	decision, err := s.decide(req)
	if err != nil {
		return nil, err
	}
	logger.Info().Bool("simulate", decision.Simulate).Strs("reasons", decision.Reasons).Msg("gate evaluated")

	if decision.Simulate {
		return s.simulate(ctx, logger, caller, orderID, req, decision)
	}
	return s.submit(ctx, logger, caller, orderID, req, decision)
}

func (s *Service) simulate(ctx context.Context, logger zerolog.Logger, caller, orderID string, req types.OrderRequest, decision gate.Decision) (*types.OrderOutcome, error) {
	legs, err := s.builder.Build(orderID, req, types.LocalResolution(req.Instrument))
	if err != nil {
		return nil, err
	}

	now := s.now()
	outcome := newOutcome(orderID, types.StatusSimulated, legs, decision.Reasons, now)
	for _, leg := range legs {
		outcome.LegStatuses[leg.ID] = types.LegSimulated
	}
	outcome.Warnings = append(outcome.Warnings, "order was simulated; nothing was sent to the venue")

	err = s.db.Append(ctx, ledger.Entry{
		CorrelationID: orderID,
		Kind:          ledger.KindOrderPlaced,
		Payload: ledger.PlacedPayload{
			Caller:    caller,
			Request:   req,
			Legs:      legs,
			Simulated: true,
			Reasons:   decision.Reasons,
			Outcome:   &outcome,
		},
		Snapshot: decision.Snapshot,
		At:       now,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		return s.replayFromLedger(ctx, logger, orderID, req)
	}
	if err != nil {
		return nil, err
	}

	// a live configuration that still simulated was blocked by a gate
	if decision.Snapshot.TradingMode != types.ModePaper {
		err := s.db.Append(ctx, ledger.Entry{
			CorrelationID: orderID,
			Kind:          ledger.KindGateDenied,
			Payload:       ledger.GateDeniedPayload{Reasons: decision.Reasons},
			Snapshot:      decision.Snapshot,
			At:            now,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to record gate denial")
			return nil, fmt.Errorf("order %s: %w", orderID, err)
		}
	}

	metrics.OrderOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	logger.Info().Int("legs", len(legs)).Msg("order simulated")
	return &outcome, nil
}

func (s *Service) submit(ctx context.Context, logger zerolog.Logger, caller, orderID string, req types.OrderRequest, decision gate.Decision) (*types.OrderOutcome, error) {
	if err := s.venue.Ready(ctx); err != nil {
		logger.Warn().Err(err).Msg("venue unavailable, order not placed")
		return nil, s.recordNotPlaced(ctx, logger, orderID, decision, err)
	}

	inst, err := s.venue.ResolveInstrument(ctx, req.Instrument)
	if err != nil {
		if errors.Is(err, venue.ErrNotFound) {
			err = types.NewValidationError("instrument.symbol", fmt.Sprintf("venue does not know %s", req.Instrument.Key()))
		}
		return nil, s.recordNotPlaced(ctx, logger, orderID, decision, err)
	}

	legs, err := s.builder.Build(orderID, req, inst)
	if err != nil {
		return nil, s.recordNotPlaced(ctx, logger, orderID, decision, err)
	}

	// claim the id before anything reaches the venue
	release := s.submitting.enter(orderID)
	err = s.db.Append(ctx, ledger.Entry{
		CorrelationID: orderID,
		Kind:          ledger.KindOrderPlaced,
		Payload: ledger.PlacedPayload{
			Caller:    caller,
			Request:   req,
			Legs:      legs,
			Simulated: false,
			Reasons:   decision.Reasons,
		},
		Snapshot: decision.Snapshot,
		At:       s.now(),
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		release()
		logger.Info().Msg("lost placement race, returning winner's outcome")
		return s.replayFromLedger(ctx, logger, orderID, req)
	}
	if err != nil {
		release()
		logger.Error().Err(err).Msg("failed to record placement, order not sent")
		return nil, err
	}
	defer release()

	subCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	defer cancel()

	outcome := newOutcome(orderID, types.StatusAccepted, legs, decision.Reasons, s.now())
	var accepted []venue.LegAck

	for _, leg := range legs {
		ack, err := s.venue.Submit(subCtx, leg)
		if err == nil {
			outcome.VenueOrderIDs[leg.ID] = ack.VenueOrderID
			outcome.LegStatuses[leg.ID] = ack.Status
			accepted = append(accepted, ack)
			logger.Info().Str("leg_id", leg.ID).Str("venue_order_id", ack.VenueOrderID).
				Str("status", string(ack.Status)).Msg("leg accepted")
			continue
		}

		var rej *venue.RejectionError
		switch {
		case errors.As(err, &rej):
			logger.Warn().Str("leg_id", leg.ID).Str("reason", rej.Reason).Msg("leg rejected by venue")
			outcome.Status = types.StatusRejected
			outcome.LegStatuses[leg.ID] = types.LegRejected
			outcome.Errors = append(outcome.Errors, rej.Error())
			s.unwind(ctx, logger, &outcome, accepted)
			if err := s.resolve(ctx, ledger.KindOrderRejected, outcome, decision.Snapshot, rej.Reason); err != nil {
				return nil, err
			}
			return &outcome, nil

		case !venue.Sent(err):
			logger.Warn().Str("leg_id", leg.ID).Err(err).Msg("leg never reached the venue")
			outcome.Status = types.StatusRejected
			outcome.LegStatuses[leg.ID] = types.LegRejected
			outcome.Errors = append(outcome.Errors, err.Error())
			s.unwind(ctx, logger, &outcome, accepted)
			if rerr := s.resolve(ctx, ledger.KindOrderRejected, outcome, decision.Snapshot, err.Error()); rerr != nil {
				return nil, rerr
			}
			return nil, err

		default:
			logger.Error().Str("leg_id", leg.ID).Err(err).Msg("venue answer lost, submission outcome unknown")
			metrics.OrderOutcomes.WithLabelValues("unknown").Inc()
			return nil, fmt.Errorf("%w: order %s leg %s: %v", ErrSubmissionUnknown, orderID, leg.ID, err)
		}
	}

	if err := s.resolve(ctx, ledger.KindOrderAccepted, outcome, decision.Snapshot, ""); err != nil {
		return nil, err
	}
	logger.Info().Int("legs", len(legs)).Msg("order accepted by venue")
	return &outcome, nil
}

// recordNotPlaced audits a live attempt that failed before the id was
// claimed and returns cause. The event predates any later placement of the
// same id and never counts as its resolution.
func (s *Service) recordNotPlaced(ctx context.Context, logger zerolog.Logger, orderID string, decision gate.Decision, cause error) error {
	outcome := newOutcome(orderID, types.StatusRejected, nil, decision.Reasons, s.now())
	outcome.Errors = append(outcome.Errors, cause.Error())

	err := s.db.Append(context.WithoutCancel(ctx), ledger.Entry{
		CorrelationID: orderID,
		Kind:          ledger.KindOrderRejected,
		Payload:       ledger.OutcomePayload{Outcome: outcome, Error: cause.Error()},
		Snapshot:      decision.Snapshot,
		At:            s.now(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record attempt that never reached the venue")
		return errors.Join(cause, err)
	}
	return cause
}

// unwind cancels the legs of a half-submitted order
func (s *Service) unwind(ctx context.Context, logger zerolog.Logger, outcome *types.OrderOutcome, accepted []venue.LegAck) {
	if len(accepted) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()

	for _, ack := range accepted {
		cack, err := s.venue.Cancel(cctx, ack.VenueOrderID)
		if err != nil {
			logger.Error().Err(err).Str("leg_id", ack.LegID).Msg("failed to cancel sibling of rejected leg")
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("leg %s could not be cancelled: %v", ack.LegID, err))
			continue
		}
		outcome.LegStatuses[ack.LegID] = cack.Status
	}
}

// resolve records the terminal result of a live placement
func (s *Service) resolve(ctx context.Context, kind ledger.EventKind, outcome types.OrderOutcome, snap types.ConfigSnapshot, reason string) error {
	err := s.db.Append(context.WithoutCancel(ctx), ledger.Entry{
		CorrelationID: outcome.OrderID,
		Kind:          kind,
		Payload:       ledger.OutcomePayload{Outcome: outcome, Error: reason},
		Snapshot:      snap,
		At:            s.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", outcome.OrderID).Str("event_kind", string(kind)).
			Msg("order reached the venue but its outcome could not be recorded")
		return fmt.Errorf("order %s: %w", outcome.OrderID, err)
	}
	metrics.OrderOutcomes.WithLabelValues(string(outcome.Status)).Inc()
	return nil
}

func (s *Service) replayFromLedger(ctx context.Context, logger zerolog.Logger, orderID string, req types.OrderRequest) (*types.OrderOutcome, error) {
	p, err := s.db.GetPlacement(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: placement for %s vanished", ledger.ErrLedgerWrite, orderID)
	}
	return s.replay(ctx, logger, orderID, p, req)
}

// replay returns the recorded outcome of a placed order. A request sharing
// the id but not the order fields gets the recorded outcome with a warning.
func (s *Service) replay(ctx context.Context, logger zerolog.Logger, orderID string, p *placement, req types.OrderRequest) (*types.OrderOutcome, error) {
	metrics.IdempotentReplays.Inc()

	outcome, err := s.awaitOutcome(ctx, orderID, p)
	if err != nil {
		return nil, err
	}

	diff := p.Request.Differences(req)
	if len(diff) == 0 {
		return outcome, nil
	}
	logger.Warn().Strs("fields", diff).Msg("duplicate id with different order fields, returning recorded outcome")
	out := *outcome
	out.Warnings = append(append([]string(nil), outcome.Warnings...), fmt.Sprintf(
		"order %s was already placed with a different %s; the recorded order is unchanged", orderID, strings.Join(diff, ", ")))
	return &out, nil
}

// awaitOutcome waits for the outcome of a placement. While a submission may
// still be running the ledger is polled for at most the submit timeout;
// after that the venue is asked.
func (s *Service) awaitOutcome(ctx context.Context, orderID string, p *placement) (*types.OrderOutcome, error) {
	deadline := time.NewTimer(s.opts.SubmitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.ClaimPoll)
	defer ticker.Stop()

	for {
		outcome, err := s.db.GetOutcome(ctx, orderID, p)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		if s.submissionOver(orderID, p) {
			return s.reconcile(ctx, orderID, p)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: order %s is placed but unresolved: %v", ErrSubmissionUnknown, orderID, ctx.Err())
		case <-deadline.C:
			if s.submitting.active(orderID) {
				return nil, fmt.Errorf("%w: order %s is still being submitted", ErrSubmissionUnknown, orderID)
			}
			return s.reconcile(ctx, orderID, p)
		case <-ticker.C:
		}
	}
}

// submissionOver reports whether no submission of the order can still be
// running: none in this process and the placement older than the submit
// timeout
func (s *Service) submissionOver(orderID string, p *placement) bool {
	return !s.submitting.active(orderID) && s.now().Sub(p.At) >= s.opts.SubmitTimeout
}

// reconcile settles a placement whose submission outcome was never learned
// by asking the venue for each leg. Legs are sent in order, so a leg the
// venue does not know means neither it nor any later leg was sent.
func (s *Service) reconcile(ctx context.Context, orderID string, p *placement) (*types.OrderOutcome, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	if outcome, err := s.db.GetOutcome(ctx, orderID, p); err != nil || outcome != nil {
		return outcome, err
	}

	logger := log.With().Str("order_id", orderID).Str("correlation_id", orderID).Logger()
	unknown := func(err error) error {
		return fmt.Errorf("%w: order %s could not be reconciled: %w", ErrSubmissionUnknown, orderID, err)
	}
	if err := s.venue.Ready(ctx); err != nil {
		return nil, unknown(err)
	}

	outcome := newOutcome(orderID, types.StatusAccepted, p.Legs, p.Reasons, s.now())
	var (
		found   []venue.LegAck
		missing []string
	)
	for _, leg := range p.Legs {
		st, err := s.venue.StatusByLeg(ctx, leg.ID)
		switch {
		case errors.Is(err, venue.ErrNotFound):
			missing = append(missing, leg.ID)
			outcome.LegStatuses[leg.ID] = types.LegRejected
		case err != nil:
			return nil, unknown(err)
		default:
			outcome.VenueOrderIDs[leg.ID] = st.VenueOrderID
			outcome.LegStatuses[leg.ID] = st.Status
			found = append(found, venue.LegAck{LegID: leg.ID, VenueOrderID: st.VenueOrderID, Status: st.Status})
		}
	}

	if len(missing) == 0 {
		outcome.Warnings = append(outcome.Warnings, "venue acknowledgement was lost; outcome reconciled with the venue")
		if err := s.resolve(ctx, ledger.KindOrderAccepted, outcome, p.Snapshot, ""); err != nil {
			return nil, err
		}
		logger.Info().Int("legs", len(found)).Msg("unknown submission reconciled as accepted")
		return &outcome, nil
	}

	reason := fmt.Sprintf("venue has no record of %s", strings.Join(missing, ", "))
	outcome.Status = types.StatusRejected
	outcome.Errors = append(outcome.Errors, reason)
	s.unwind(ctx, logger, &outcome, found)
	if err := s.resolve(ctx, ledger.KindOrderRejected, outcome, p.Snapshot, reason); err != nil {
		return nil, err
	}
	logger.Warn().Strs("missing_legs", missing).Msg("unknown submission reconciled as rejected")
	return &outcome, nil
}

func newOutcome(orderID string, status types.OutcomeStatus, legs []types.OrderLeg, reasons []string, at time.Time) types.OrderOutcome {
	out := types.OrderOutcome{
		OrderID:       orderID,
		Status:        status,
		Legs:          make(map[types.LegRole]string, len(legs)),
		VenueOrderIDs: make(map[string]string, len(legs)),
		LegStatuses:   make(map[string]types.LegState, len(legs)),
		Reasons:       append([]string(nil), reasons...),
		CreatedAt:     at.UTC(),
	}
	for _, leg := range legs {
		out.LegIDs = append(out.LegIDs, leg.ID)
		out.Legs[leg.Role] = leg.ID
	}
	return out
}

// CancelOrders cancels each order independently and reports per order
func (s *Service) CancelOrders(ctx context.Context, caller string, orderIDs []string) ([]types.CancelOutcome, error) {
	outcomes := make([]types.CancelOutcome, 0, len(orderIDs))
	for _, id := range orderIDs {
		out, err := s.cancelOrder(ctx, caller, id)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (s *Service) cancelOrder(ctx context.Context, caller, orderID string) (types.CancelOutcome, error) {
	logger := log.With().Str("order_id", orderID).Str("correlation_id", orderID).Str("caller", caller).Logger()
	result := types.CancelOutcome{OrderID: orderID}

	p, err := s.db.GetPlacement(ctx, orderID)
	if err != nil {
		return result, err
	}
	if p == nil {
		result.Status = types.CancelNotFound
		return result, nil
	}

	if p.Simulated {
		h, err := s.db.GetLegHistory(ctx, orderID, p)
		if err != nil {
			return result, err
		}
		if h.allIn(p.Legs, types.LegCancelled) {
			result.Status = types.CancelAlreadyCancelled
			return result, nil
		}
		for _, leg := range p.Legs {
			result.Legs = append(result.Legs, types.LegCancel{LegID: leg.ID, Result: types.CancelSimulated})
		}
		result.Status = types.CancelSimulated
		return result, s.recordCancel(ctx, orderID, p.Snapshot, result)
	}

	outcome, err := s.db.GetOutcome(ctx, orderID, p)
	if err != nil {
		return result, err
	}
	if outcome == nil && s.submissionOver(orderID, p) {
		outcome, err = s.reconcile(ctx, orderID, p)
		if err != nil && !errors.Is(err, ErrSubmissionUnknown) {
			return result, err
		}
	}
	if outcome == nil {
		result.Status = types.CancelFailed
		result.Legs = append(result.Legs, types.LegCancel{Result: types.CancelFailed, Message: "placement outcome is not known yet"})
		return result, nil
	}

	h, err := s.db.GetLegHistory(ctx, orderID, p)
	if err != nil {
		return result, err
	}
	if outcome.Status == types.StatusRejected && h.allTerminal(p.Legs) {
		result.Status = types.CancelFailed
		result.Legs = append(result.Legs, types.LegCancel{Result: types.CancelFailed, Message: "order was rejected; nothing to cancel"})
		return result, nil
	}

	// legs already finished on record are not sent to the venue again
	for _, legID := range outcome.LegIDs {
		venueOrderID := outcome.VenueOrderIDs[legID]
		switch st := h.state[legID]; {
		case st == types.LegFilled:
			result.Legs = append(result.Legs, types.LegCancel{LegID: legID, VenueOrderID: venueOrderID, Result: types.CancelAlreadyFilled})
		case st.IsTerminal():
			result.Legs = append(result.Legs, types.LegCancel{LegID: legID, VenueOrderID: venueOrderID, Result: types.CancelAlreadyCancelled, Message: "recorded as " + string(st)})
		default:
			result.Legs = append(result.Legs, s.cancelLeg(ctx, logger, legID, venueOrderID))
		}
	}
	result.Status = aggregateCancel(result.Legs)

	if result.Status == types.CancelDone {
		if err := s.recordCancel(ctx, orderID, p.Snapshot, result); err != nil {
			return result, err
		}
	}
	logger.Info().Str("status", string(result.Status)).Msg("cancellation processed")
	return result, nil
}

func (s *Service) cancelLeg(ctx context.Context, logger zerolog.Logger, legID, venueOrderID string) types.LegCancel {
	lc := types.LegCancel{LegID: legID, VenueOrderID: venueOrderID}
	if venueOrderID == "" {
		lc.Result = types.CancelNotFound
		lc.Message = "leg was never acknowledged by the venue"
		return lc
	}

	st, err := s.venue.Status(ctx, venueOrderID)
	if err != nil {
		lc.Result = types.CancelFailed
		lc.Message = err.Error()
		return lc
	}
	switch st.Status {
	case types.LegFilled:
		lc.Result = types.CancelAlreadyFilled
		return lc
	case types.LegCancelled, types.LegRejected:
		lc.Result = types.CancelAlreadyCancelled
		return lc
	}

	ack, err := s.venue.Cancel(ctx, venueOrderID)
	if err != nil {
		logger.Warn().Err(err).Str("leg_id", legID).Msg("leg cancel failed")
		lc.Result = types.CancelFailed
		lc.Message = err.Error()
		return lc
	}
	switch ack.Status {
	case types.LegFilled:
		lc.Result = types.CancelAlreadyFilled
	default:
		lc.Result = types.CancelDone
	}
	lc.Message = ack.Message
	return lc
}

// aggregateCancel: any leg cancelled wins, then failures, then fills
func aggregateCancel(legs []types.LegCancel) types.LegCancelResult {
	var done, failed, filled int
	for _, l := range legs {
		switch l.Result {
		case types.CancelDone:
			done++
		case types.CancelFailed:
			failed++
		case types.CancelAlreadyFilled:
			filled++
		}
	}
	switch {
	case done > 0:
		return types.CancelDone
	case failed > 0:
		return types.CancelFailed
	case filled > 0:
		return types.CancelAlreadyFilled
	default:
		return types.CancelAlreadyCancelled
	}
}

func (s *Service) recordCancel(ctx context.Context, orderID string, snap types.ConfigSnapshot, out types.CancelOutcome) error {
	return s.db.Append(ctx, ledger.Entry{
		CorrelationID: orderID,
		Kind:          ledger.KindOrderCancelled,
		Payload:       ledger.CancelPayload{Outcome: out},
		Snapshot:      snap,
		At:            s.now(),
	})
}

// GetOrderStatus returns the current state of an order. For live orders
// each leg the venue holds is polled and newly observed transitions are
// appended to the ledger. A placement whose outcome was never learned is
// reconciled with the venue once no submission of it can still be running.
func (s *Service) GetOrderStatus(ctx context.Context, orderID string) (*types.StatusSnapshot, error) {
	p, err := s.db.GetPlacement(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	snap := &types.StatusSnapshot{OrderID: orderID, Simulated: p.Simulated, AsOf: s.now().UTC()}

	if p.Simulated {
		h, err := s.db.GetLegHistory(ctx, orderID, p)
		if err != nil {
			return nil, err
		}
		state := types.LegSimulated
		if h.allIn(p.Legs, types.LegCancelled) {
			state = types.LegCancelled
		}
		for _, leg := range p.Legs {
			snap.Legs = append(snap.Legs, types.LegStatus{
				LegID:        leg.ID,
				OrderID:      orderID,
				Role:         leg.Role,
				Status:       state,
				RemainingQty: leg.Quantity,
			})
		}
		snap.Status = state
		return snap, nil
	}

	outcome, err := s.db.GetOutcome(ctx, orderID, p)
	if err != nil {
		return nil, err
	}
	if outcome == nil && s.submissionOver(orderID, p) {
		outcome, err = s.reconcile(ctx, orderID, p)
		if errors.Is(err, ErrSubmissionUnknown) {
			log.Warn().Err(err).Str("order_id", orderID).Msg("order outcome still unknown")
		} else if err != nil {
			return nil, err
		}
	}
	if outcome == nil {
		for _, leg := range p.Legs {
			snap.Legs = append(snap.Legs, types.LegStatus{LegID: leg.ID, OrderID: orderID, Role: leg.Role, Status: types.LegUnknown, RemainingQty: leg.Quantity})
		}
		snap.Status = types.LegUnknown
		return snap, nil
	}

	var polled []types.LegStatus
	for _, leg := range p.Legs {
		venueOrderID := outcome.VenueOrderIDs[leg.ID]
		if venueOrderID == "" {
			// never acknowledged, so nothing to ask the venue
			state := outcome.LegStatuses[leg.ID]
			if state == "" {
				state = types.LegRejected
			}
			snap.Legs = append(snap.Legs, types.LegStatus{LegID: leg.ID, OrderID: orderID, Role: leg.Role, Status: state, RemainingQty: leg.Quantity})
			continue
		}
		st, err := s.venue.Status(ctx, venueOrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll leg %s: %w", leg.ID, err)
		}
		st.LegID, st.OrderID, st.Role = leg.ID, orderID, leg.Role
		snap.Legs = append(snap.Legs, st)
		polled = append(polled, st)
	}
	snap.Status = aggregateStatus(snap.Legs)
	if outcome.Status == types.StatusRejected && snap.Status == types.LegCancelled {
		snap.Status = types.LegRejected
	}

	if err := s.recordTransitions(ctx, orderID, p, polled); err != nil {
		return nil, err
	}
	return snap, nil
}

// recordTransitions appends one event per leg transition not yet in the ledger
func (s *Service) recordTransitions(ctx context.Context, orderID string, p *placement, legs []types.LegStatus) error {
	if len(legs) == 0 {
		return nil
	}
	h, err := s.db.GetLegHistory(ctx, orderID, p)
	if err != nil {
		return err
	}

	for _, st := range legs {
		var kind ledger.EventKind
		switch st.Status {
		case types.LegPartiallyFilled, types.LegFilled:
			if !st.FilledQty.IsPositive() {
				continue
			}
			kind = ledger.KindOrderFilled
		case types.LegCancelled:
			kind = ledger.KindOrderCancelled
		case types.LegRejected:
			kind = ledger.KindOrderRejected
		default:
			continue
		}
		if h.recorded[transitionKey(st.LegID, st.Status, st.FilledQty.String())] {
			continue
		}
		if st.Status == types.LegCancelled && h.recorded[cancelKey(st.LegID)] {
			continue
		}

		err := s.db.Append(ctx, ledger.Entry{
			CorrelationID: orderID,
			Kind:          kind,
			Payload: ledger.LegPayload{
				LegID:        st.LegID,
				VenueOrderID: st.VenueOrderID,
				Status:       st.Status,
				FilledQty:    st.FilledQty,
				RemainingQty: st.RemainingQty,
				AvgFillPrice: st.AvgFillPrice,
				Partial:      st.Status == types.LegPartiallyFilled,
				Message:      st.Message,
			},
			Snapshot: p.Snapshot,
			At:       s.now(),
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicate) {
			return err
		}
		log.Info().Str("order_id", orderID).Str("leg_id", st.LegID).Str("status", string(st.Status)).
			Str("filled", st.FilledQty.String()).Msg("leg transition recorded")
	}
	return nil
}

func aggregateStatus(legs []types.LegStatus) types.LegState {
	allTerminal, anyFilled := true, false
	for _, l := range legs {
		if !l.Status.IsTerminal() {
			allTerminal = false
		}
		if l.FilledQty.IsPositive() {
			anyFilled = true
		}
	}
	switch {
	case allTerminal && anyFilled:
		return types.LegFilled
	case allTerminal:
		return types.LegCancelled
	case anyFilled:
		return types.LegPartiallyFilled
	default:
		return types.LegSubmitted
	}
}

// GetOpenOrders returns the venue's working orders grouped by order id
func (s *Service) GetOpenOrders(ctx context.Context) ([]types.StatusSnapshot, error) {
	open, err := s.venue.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}

	byOrder := make(map[string]*types.StatusSnapshot)
	var ids []string
	for _, st := range open {
		id := st.OrderID
		if id == "" {
			id = st.LegID
		}
		snap, ok := byOrder[id]
		if !ok {
			snap = &types.StatusSnapshot{OrderID: id, AsOf: s.now().UTC()}
			byOrder[id] = snap
			ids = append(ids, id)
		}
		snap.Legs = append(snap.Legs, st)
	}

	sort.Strings(ids)
	result := make([]types.StatusSnapshot, 0, len(ids))
	for _, id := range ids {
		snap := byOrder[id]
		sort.Slice(snap.Legs, func(i, j int) bool { return snap.Legs[i].LegID < snap.Legs[j].LegID })
		snap.Status = aggregateStatus(snap.Legs)
		result = append(result, *snap)
	}
	return result, nil
}

// AuditTrail returns every ledger event recorded for an order
func (s *Service) AuditTrail(ctx context.Context, orderID string) ([]ledger.AuditEvent, error) {
	events, err := s.db.GetEvents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return events, nil
}
