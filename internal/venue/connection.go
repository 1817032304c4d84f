package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-gate/internal/metrics"
	"github.com/ksred/klear-gate/internal/types"
)

// command states
const (
	stateQueued int32 = iota
	stateRunning
	stateAbandoned
)

type command struct {
	op            string
	ctx           context.Context
	needConnected bool
	run           func(ctx context.Context, c Client) (any, error)
	state         atomic.Int32
	respCh        chan response
}

type response struct {
	value any
	err   error
}

// Config holds connection parameters for the venue session
type Config struct {
	Host           string
	Port           int
	ClientID       int
	ConnectTimeout time.Duration
	CommandBuffer  int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           7497,
		ClientID:       1,
		ConnectTimeout: 10 * time.Second,
		CommandBuffer:  64,
	}
}

// Connection owns a Client on one goroutine. Every public method enqueues a
// command and blocks until the worker answers or the caller's context ends.
type Connection struct {
	cfg    Config
	client Client

	cmdCh       chan *command
	instruments sync.Map // cache key -> types.ResolvedInstrument

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection starts the worker. It does not connect; call Connect.
func NewConnection(client Client, cfg Config) *Connection {
	def := DefaultConfig()
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	c := &Connection{
		cfg:    cfg,
		client: client,
		cmdCh:  make(chan *command, cfg.CommandBuffer),
		closed: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.runWorker()

	return c
}

func (c *Connection) runWorker() {
	defer c.wg.Done()
	logger := log.With().Str("component", "venue_worker").Logger()
	logger.Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("venue worker started")

	for {
		select {
		case <-c.closed:
			if err := c.client.Disconnect(); err != nil {
				logger.Warn().Err(err).Msg("disconnect on shutdown failed")
			}
			logger.Info().Msg("venue worker stopped")
			return
		case cmd := <-c.cmdCh:
			metrics.VenueQueueDepth.Dec()
			c.process(cmd)
		}
	}
}

func (c *Connection) process(cmd *command) {
	if !cmd.state.CompareAndSwap(stateQueued, stateRunning) {
		// caller already gave up; the request must not reach the venue
		return
	}

	var resp response
	switch {
	case cmd.ctx.Err() != nil:
		resp.err = &ConnectionError{Op: cmd.op, Err: errors.Join(ErrNotSent, cmd.ctx.Err())}
	case cmd.needConnected && !c.client.Connected():
		resp.err = &ConnectionError{Op: cmd.op, Err: ErrNotConnected}
	default:
		resp.value, resp.err = cmd.run(cmd.ctx, c.client)
	}

	metrics.VenueCalls.WithLabelValues(cmd.op, metrics.Result(resp.err)).Inc()
	if resp.err != nil {
		log.Debug().Str("component", "venue_worker").Str("op", cmd.op).Err(resp.err).Msg("venue call failed")
	}
	cmd.respCh <- resp
}

func (c *Connection) do(ctx context.Context, op string, needConnected bool, run func(context.Context, Client) (any, error)) (any, error) {
	cmd := &command{
		op:            op,
		ctx:           ctx,
		needConnected: needConnected,
		run:           run,
		respCh:        make(chan response, 1),
	}

	select {
	case <-c.closed:
		return nil, &ConnectionError{Op: op, Err: ErrClosed}
	case <-ctx.Done():
		return nil, &ConnectionError{Op: op, Err: errors.Join(ErrNotSent, ctx.Err())}
	case c.cmdCh <- cmd:
		metrics.VenueQueueDepth.Inc()
	}

	select {
	case resp := <-cmd.respCh:
		return resp.value, resp.err
	case <-c.closed:
		if cmd.state.CompareAndSwap(stateQueued, stateAbandoned) {
			return nil, &ConnectionError{Op: op, Err: ErrClosed}
		}
		// already running; the worker finishes it before exiting
		resp := <-cmd.respCh
		return resp.value, resp.err
	case <-ctx.Done():
		if cmd.state.CompareAndSwap(stateQueued, stateAbandoned) {
			return nil, &ConnectionError{Op: op, Err: errors.Join(ErrNotSent, ctx.Err())}
		}
		// dispatched: the venue may or may not have acted on it
		return nil, fmt.Errorf("venue %s: outcome unknown: %w", op, ctx.Err())
	}
}

// Connect opens the venue session
func (c *Connection) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	_, err := c.do(ctx, "connect", false, func(ctx context.Context, cl Client) (any, error) {
		if cl.Connected() {
			return nil, nil
		}
		if err := cl.Connect(ctx, c.cfg.Host, c.cfg.Port, c.cfg.ClientID); err != nil {
			return nil, &ConnectionError{Op: "connect", Err: err}
		}
		return nil, nil
	})
	if err == nil {
		log.Info().Str("component", "venue").Str("host", c.cfg.Host).Int("port", c.cfg.Port).
			Int("client_id", c.cfg.ClientID).Msg("venue connected")
	}
	return err
}

// Ready reports whether the session is usable, connecting once if it is not
func (c *Connection) Ready(ctx context.Context) error {
	_, err := c.do(ctx, "ready", false, func(ctx context.Context, cl Client) (any, error) {
		if cl.Connected() {
			return nil, nil
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		if err := cl.Connect(cctx, c.cfg.Host, c.cfg.Port, c.cfg.ClientID); err != nil {
			return nil, &ConnectionError{Op: "reconnect", Err: err}
		}
		log.Info().Str("component", "venue").Msg("venue reconnected")
		return nil, nil
	})
	return err
}

// ResolveInstrument returns the venue's canonical instrument, cached for the
// life of the process
func (c *Connection) ResolveInstrument(ctx context.Context, spec types.InstrumentSpec) (types.ResolvedInstrument, error) {
	key := cacheKey(spec)
	if v, ok := c.instruments.Load(key); ok {
		return v.(types.ResolvedInstrument), nil
	}

	v, err := c.do(ctx, "resolve_instrument", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.ResolveInstrument(ctx, spec.Normalized())
	})
	if err != nil {
		return types.ResolvedInstrument{}, err
	}
	inst := v.(types.ResolvedInstrument)
	c.instruments.Store(key, inst)
	return inst, nil
}

// CachedInstrument returns a previously resolved instrument without a venue call
func (c *Connection) CachedInstrument(spec types.InstrumentSpec) (types.ResolvedInstrument, bool) {
	v, ok := c.instruments.Load(cacheKey(spec))
	if !ok {
		return types.ResolvedInstrument{}, false
	}
	return v.(types.ResolvedInstrument), true
}

func (c *Connection) Quote(ctx context.Context, inst types.ResolvedInstrument) (types.Quote, error) {
	v, err := c.do(ctx, "quote", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.Quote(ctx, inst)
	})
	if err != nil {
		return types.Quote{}, err
	}
	return v.(types.Quote), nil
}

func (c *Connection) Submit(ctx context.Context, leg types.OrderLeg) (LegAck, error) {
	v, err := c.do(ctx, "submit", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.Submit(ctx, leg)
	})
	if err != nil {
		return LegAck{}, err
	}
	return v.(LegAck), nil
}

func (c *Connection) Cancel(ctx context.Context, venueOrderID string) (CancelAck, error) {
	v, err := c.do(ctx, "cancel", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.Cancel(ctx, venueOrderID)
	})
	if err != nil {
		return CancelAck{}, err
	}
	return v.(CancelAck), nil
}

func (c *Connection) Status(ctx context.Context, venueOrderID string) (types.LegStatus, error) {
	v, err := c.do(ctx, "status", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.Status(ctx, venueOrderID)
	})
	if err != nil {
		return types.LegStatus{}, err
	}
	return v.(types.LegStatus), nil
}

func (c *Connection) StatusByLeg(ctx context.Context, legID string) (types.LegStatus, error) {
	v, err := c.do(ctx, "status_by_leg", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.StatusByLeg(ctx, legID)
	})
	if err != nil {
		return types.LegStatus{}, err
	}
	return v.(types.LegStatus), nil
}

func (c *Connection) OpenOrders(ctx context.Context) ([]types.LegStatus, error) {
	v, err := c.do(ctx, "open_orders", true, func(ctx context.Context, cl Client) (any, error) {
		return cl.OpenOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.LegStatus), nil
}

// Close stops the worker and disconnects the client
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
}

func cacheKey(spec types.InstrumentSpec) string {
	return spec.Key().String() + "|" + spec.Canonical()
}
