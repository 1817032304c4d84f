// Package bridge talks to a venue gateway sidecar over a websocket session.
// Every call is a JSON request answered by a response carrying the same id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
)

// response codes understood by the client
const (
	CodeRejected = "rejected"
	CodeNotFound = "not_found"
)

// Request is one call to the gateway
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Response answers the Request with the same ID
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Client implements venue.Client. It is driven by venue.Connection and is
// not safe for concurrent use.
type Client struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	mu   sync.RWMutex
	conn *websocket.Conn
}

var _ venue.Client = (*Client)(nil)

// New creates a disconnected bridge client
func New() *Client {
	return &Client{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// SessionURL builds the gateway session address
func SessionURL(host string, port int, clientID int) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/v1/session",
		RawQuery: url.Values{"client_id": {strconv.Itoa(clientID)}}.Encode(),
	}
	return u.String()
}

func (c *Client) Connect(ctx context.Context, host string, port int, clientID int) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	header := make(http.Header)
	header.Set("User-Agent", "klear-gate")

	conn, _, err := dialer.DialContext(ctx, SessionURL(host, port, clientID), header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	log.Info().Str("component", "bridge").Str("host", host).Int("port", port).Msg("gateway session established")
	return nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) drop() {
	if err := c.Disconnect(); err != nil {
		log.Debug().Str("component", "bridge").Err(err).Msg("close after failure")
	}
}

// call sends op and waits for its response. Transport failures drop the
// session; the caller decides whether to reconnect.
func (c *Client) call(ctx context.Context, op string, body any, out any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return &venue.ConnectionError{Op: op, Err: venue.ErrNotConnected}
	}

	req := Request{ID: uuid.NewString(), Op: op}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		req.Body = raw
	}

	deadline := time.Now().Add(c.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(req); err != nil {
		c.drop()
		return &venue.ConnectionError{Op: op, Err: errors.Join(venue.ErrNotSent, err)}
	}

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("venue %s: outcome unknown: %w", op, ctxErr)
			}
			return &venue.ConnectionError{Op: op, Err: err}
		}
		if resp.ID != req.ID {
			log.Debug().Str("component", "bridge").Str("id", resp.ID).Msg("skipping unrelated gateway message")
			continue
		}
		return decode(op, resp, out)
	}
}

func decode(op string, resp Response, out any) error {
	if !resp.OK {
		switch resp.Code {
		case CodeRejected:
			return &venue.RejectionError{Reason: resp.Error}
		case CodeNotFound:
			return fmt.Errorf("%w: %s", venue.ErrNotFound, resp.Error)
		default:
			return fmt.Errorf("gateway %s failed: %s", op, resp.Error)
		}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) ResolveInstrument(ctx context.Context, spec types.InstrumentSpec) (types.ResolvedInstrument, error) {
	var inst types.ResolvedInstrument
	err := c.call(ctx, "resolve_instrument", spec, &inst)
	return inst, err
}

func (c *Client) Quote(ctx context.Context, inst types.ResolvedInstrument) (types.Quote, error) {
	var q types.Quote
	err := c.call(ctx, "quote", inst, &q)
	return q, err
}

func (c *Client) Submit(ctx context.Context, leg types.OrderLeg) (venue.LegAck, error) {
	var ack venue.LegAck
	err := c.call(ctx, "submit", leg, &ack)
	var rej *venue.RejectionError
	if errors.As(err, &rej) {
		rej.LegID = leg.ID
	}
	if err == nil && ack.LegID == "" {
		ack.LegID = leg.ID
	}
	return ack, err
}

func (c *Client) Cancel(ctx context.Context, venueOrderID string) (venue.CancelAck, error) {
	var ack venue.CancelAck
	err := c.call(ctx, "cancel", map[string]string{"venue_order_id": venueOrderID}, &ack)
	return ack, err
}

func (c *Client) Status(ctx context.Context, venueOrderID string) (types.LegStatus, error) {
	var st types.LegStatus
	err := c.call(ctx, "status", map[string]string{"venue_order_id": venueOrderID}, &st)
	return st, err
}

func (c *Client) StatusByLeg(ctx context.Context, legID string) (types.LegStatus, error) {
	var st types.LegStatus
	err := c.call(ctx, "status_by_leg", map[string]string{"leg_id": legID}, &st)
	return st, err
}

func (c *Client) OpenOrders(ctx context.Context) ([]types.LegStatus, error) {
	var open []types.LegStatus
	err := c.call(ctx, "open_orders", nil, &open)
	return open, err
}
