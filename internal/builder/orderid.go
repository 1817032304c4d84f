package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-gate/internal/types"
)

const orderIDPrefix = "ord-"

// OrderID derives the deterministic identifier of a request. Requests that
// agree on instrument, side, quantity and kind and arrive within the same
// bucket share an id. A caller-supplied idempotency key replaces the bucket
// so retries carrying the key dedupe regardless of timing.
func OrderID(req types.OrderRequest, bucket time.Duration) string {
	n := req.Normalized()

	var scope string
	if n.IdempotencyKey != "" {
		scope = "key:" + n.IdempotencyKey
	} else {
		scope = "t:" + strconv.FormatInt(BucketStart(n.RequestedAt, bucket).Unix(), 10)
	}

	h := sha256.Sum256([]byte(strings.Join([]string{
		n.Instrument.Canonical(),
		string(n.Side),
		n.Quantity.String(),
		string(n.Kind),
		scope,
	}, "|")))
	return orderIDPrefix + hex.EncodeToString(h[:])[:20]
}

// BucketStart floors t to the start of its bucket in UTC
func BucketStart(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(bucket)
}

// LegID returns the identifier of a leg of the given order
func LegID(orderID string, role types.LegRole) string {
	switch role {
	case types.RoleEntry:
		return orderID + "-E"
	case types.RoleTakeProfit:
		return orderID + "-TP"
	case types.RoleStopLoss:
		return orderID + "-SL"
	default:
		return orderID
	}
}
