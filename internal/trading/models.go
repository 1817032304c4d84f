package trading

import (
	"time"

	"github.com/ksred/klear-gate/internal/types"
)

var (
	ErrSubmissionUnknown = types.ErrSubmissionUnknown
	ErrOrderNotFound     = types.ErrOrderNotFound
)

// Options tune the coordinator
type Options struct {
	IDBucket      time.Duration // width of the deterministic id time bucket
	SubmitTimeout time.Duration // bound on venue submission of all legs
	ClaimPoll     time.Duration // how often a duplicate waits for the winner
}

// DefaultOptions returns the coordinator defaults
func DefaultOptions() Options {
	return Options{
		IDBucket:      10 * time.Second,
		SubmitTimeout: 15 * time.Second,
		ClaimPoll:     20 * time.Millisecond,
	}
}

// Preview is what PlaceOrder would do right now, computed without touching
// the venue or the ledger
type Preview struct {
	OrderID  string               `json:"order_id"`
	Simulate bool                 `json:"simulate"`
	Reasons  []string             `json:"reasons"`
	Legs     []types.OrderLeg     `json:"legs"`
	Outcome  types.OrderOutcome   `json:"outcome"`
	Snapshot types.ConfigSnapshot `json:"config_snapshot"`
}

// CancelOrdersRequest is the HTTP body for bulk cancellation
type CancelOrdersRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1"`
}
