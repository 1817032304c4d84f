// Package ledger is the append-only audit trail of every order decision.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-gate/internal/metrics"
	"github.com/ksred/klear-gate/internal/types"
)

var (
	// ErrLedgerWrite means an event could not be durably recorded
	ErrLedgerWrite = errors.New("audit ledger write failed")
	// ErrDuplicate means the event already exists; the write was a no-op
	ErrDuplicate = errors.New("audit event already recorded")
	// ErrAppendOnly is raised for any attempt to modify or remove an event
	ErrAppendOnly = errors.New("audit ledger is append-only")
)

// Entry is an event to append
type Entry struct {
	CorrelationID string
	Kind          EventKind
	Payload       any
	Snapshot      types.ConfigSnapshot
	At            time.Time
}

// Ledger appends and reads audit events
type Ledger struct {
	db *gorm.DB

	mu   sync.Mutex
	last time.Time
}

// New creates a ledger on db and installs the append-only guards
func New(db *gorm.DB) (*Ledger, error) {
	if err := registerGuards(db); err != nil {
		return nil, fmt.Errorf("failed to register ledger guards: %w", err)
	}
	return &Ledger{db: db}, nil
}

func registerGuards(db *gorm.DB) error {
	cb := db.Callback()
	if cb.Update().Get("ledger:append_only") == nil {
		if err := cb.Update().Before("gorm:update").Register("ledger:append_only", refuseMutation); err != nil {
			return err
		}
	}
	if cb.Delete().Get("ledger:append_only") == nil {
		if err := cb.Delete().Before("gorm:delete").Register("ledger:append_only", refuseMutation); err != nil {
			return err
		}
	}
	return nil
}

func refuseMutation(db *gorm.DB) {
	table := db.Statement.Table
	if db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if table == tableName {
		db.AddError(ErrAppendOnly)
	}
}

// stamp returns a strictly increasing UTC timestamp so that events of the
// same kind for one order never share a key
func (l *Ledger) stamp(at time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	at = at.UTC().Truncate(time.Microsecond)
	if !at.After(l.last) {
		at = l.last.Add(time.Microsecond)
	}
	l.last = at
	return at.Format(TimestampLayout)
}

// Encode renders a payload as the stored JSON text
func Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Decode parses the payload of ev into T
func Decode[T any](ev AuditEvent) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(ev.Payload), &out); err != nil {
		return out, fmt.Errorf("failed to decode %s payload: %w", ev.EventKind, err)
	}
	return out, nil
}

// Snapshot parses the config snapshot of ev
func Snapshot(ev AuditEvent) (types.ConfigSnapshot, error) {
	var snap types.ConfigSnapshot
	if err := json.Unmarshal([]byte(ev.ConfigSnapshot), &snap); err != nil {
		return snap, fmt.Errorf("failed to decode config snapshot: %w", err)
	}
	return snap, nil
}

// ParseTimestamp reads a stored timestamp
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Append durably records e. A unique-key collision returns ErrDuplicate and
// leaves the ledger unchanged; any other failure wraps ErrLedgerWrite.
func (l *Ledger) Append(ctx context.Context, e Entry) (*AuditEvent, error) {
	logger := log.With().
		Str("component", "ledger").
		Str("correlation_id", e.CorrelationID).
		Str("event_kind", string(e.Kind)).
		Logger()

	if e.CorrelationID == "" || e.Kind == "" {
		return nil, fmt.Errorf("%w: correlation id and kind are required", ErrLedgerWrite)
	}
	payload, err := Encode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrLedgerWrite, err)
	}
	snapshot, err := Encode(e.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: encode config snapshot: %v", ErrLedgerWrite, err)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	row := &AuditEvent{
		CorrelationID:  e.CorrelationID,
		Timestamp:      l.stamp(e.At),
		EventKind:      e.Kind,
		Payload:        payload,
		ConfigSnapshot: snapshot,
	}

	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			metrics.LedgerWrites.WithLabelValues(string(e.Kind), "duplicate").Inc()
			logger.Debug().Msg("audit event already recorded")
			return nil, ErrDuplicate
		}
		metrics.LedgerWrites.WithLabelValues(string(e.Kind), "error").Inc()
		logger.Error().Err(err).Msg("failed to append audit event")
		return nil, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	metrics.LedgerWrites.WithLabelValues(string(e.Kind), "ok").Inc()
	logger.Debug().Uint("id", row.ID).Str("timestamp", row.Timestamp).Msg("audit event appended")
	return row, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Events returns every event for an order in append order
func (l *Ledger) Events(ctx context.Context, correlationID string) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("timestamp ASC").Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *Ledger) first(ctx context.Context, correlationID, after string, kinds ...EventKind) (*AuditEvent, error) {
	var ev AuditEvent
	err := l.db.WithContext(ctx).
		Where("correlation_id = ? AND event_kind IN ? AND timestamp > ?", correlationID, kinds, after).
		Order("timestamp ASC").Order("id ASC").
		First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

// Placement returns the order_placed event for an order, or nil
func (l *Ledger) Placement(ctx context.Context, correlationID string) (*AuditEvent, error) {
	return l.first(ctx, correlationID, "", KindOrderPlaced)
}

// Resolution returns the event that settled a live placement, or nil while
// it is still in flight. Rejections written by attempts that failed before
// claiming the id predate the placement and are ignored.
func (l *Ledger) Resolution(ctx context.Context, correlationID string) (*AuditEvent, error) {
	placed, err := l.Placement(ctx, correlationID)
	if err != nil || placed == nil {
		return nil, err
	}
	return l.first(ctx, correlationID, placed.Timestamp, KindOrderAccepted, KindOrderRejected)
}

// PlacedSince lists the orders placed at or after the given time, oldest
// first
func (l *Ledger) PlacedSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&AuditEvent{}).
		Where("event_kind = ? AND timestamp >= ?", KindOrderPlaced, since.UTC().Format(TimestampLayout)).
		Order("timestamp ASC").
		Pluck("correlation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
