// Package gate decides whether an order may reach the venue or must be
// simulated. Evaluation reads nothing but its arguments and the existence
// of the override file, and is repeated for every order.
package gate

import (
	"fmt"
	"os"

	"github.com/ksred/klear-gate/internal/config"
	"github.com/ksred/klear-gate/internal/types"
)

// Decision is the verdict of the chain. Simulate is the safe default.
type Decision struct {
	Simulate bool                 `json:"simulate"`
	Reasons  []string             `json:"reasons"`
	Snapshot types.ConfigSnapshot `json:"config_snapshot"`
}

// Chain evaluates the safety gates in a fixed order
type Chain struct {
	exists func(path string) bool
}

// NewChain returns a chain that checks the override file on the local filesystem
func NewChain() *Chain {
	return &Chain{exists: fileExists}
}

// NewChainWithStat lets tests substitute the override existence check
func NewChainWithStat(exists func(path string) bool) *Chain {
	return &Chain{exists: exists}
}

// Evaluate runs every gate and records one reason per gate. The request is
// taken so that per-order gates can be added without changing callers.
func (c *Chain) Evaluate(cfg config.Safety, req types.OrderRequest) Decision {
	d := Decision{
		Simulate: true,
		Snapshot: types.ConfigSnapshot{
			TradingMode:   cfg.Mode,
			OrdersEnabled: cfg.OrdersEnabled,
		},
	}

	// 1. mode validity; startup already refuses anything else
	modeValid := cfg.Mode.Valid()
	if !modeValid {
		d.Reasons = append(d.Reasons, fmt.Sprintf("trading mode %q is not paper or live", cfg.Mode))
	}

	// 2. live override artifact, checked now and never remembered
	if cfg.OverridePath != "" {
		d.Snapshot.OverridePresent = c.exists(cfg.OverridePath)
	}
	if cfg.Mode == types.ModeLive && cfg.OrdersEnabled && !d.Snapshot.OverridePresent {
		if cfg.OverridePath == "" {
			d.Reasons = append(d.Reasons, "live override path is not configured")
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("live override file %s is missing", cfg.OverridePath))
		}
	}

	// 3. runtime mode and enable flag
	switch {
	case cfg.Mode == types.ModePaper:
		d.Reasons = append(d.Reasons, "trading mode is paper")
	case !cfg.OrdersEnabled:
		d.Reasons = append(d.Reasons, "orders are disabled")
	}

	if modeValid && cfg.Mode == types.ModeLive && cfg.OrdersEnabled && d.Snapshot.OverridePresent {
		d.Simulate = false
		d.Reasons = append(d.Reasons, "live mode, orders enabled, override present")
	}
	return d
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
