package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// InstrumentClass is the venue security type of an instrument
type InstrumentClass string

const (
	ClassStock  InstrumentClass = "STK"
	ClassETF    InstrumentClass = "ETF"
	ClassFuture InstrumentClass = "FUT"
	ClassOption InstrumentClass = "OPT"
	ClassFOP    InstrumentClass = "FOP"
	ClassIndex  InstrumentClass = "IND"
	ClassCash   InstrumentClass = "CASH"
	ClassBond   InstrumentClass = "BOND"
	ClassCFD    InstrumentClass = "CFD"
	ClassCrypto InstrumentClass = "CRYPTO"
)

const (
	DefaultExchange = "SMART"
	DefaultCurrency = "USD"
)

var instrumentClasses = map[InstrumentClass]bool{
	ClassStock: true, ClassETF: true, ClassFuture: true, ClassOption: true, ClassFOP: true,
	ClassIndex: true, ClassCash: true, ClassBond: true, ClassCFD: true, ClassCrypto: true,
}

// InstrumentSpec is the caller's description of what to trade
type InstrumentSpec struct {
	Symbol     string           `json:"symbol"`
	Class      InstrumentClass  `json:"class,omitempty"`
	Exchange   string           `json:"exchange,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	Expiry     string           `json:"expiry,omitempty"` // YYYYMMDD or YYYYMM
	Strike     *decimal.Decimal `json:"strike,omitempty"`
	Right      string           `json:"right,omitempty"` // C or P
	Multiplier string           `json:"multiplier,omitempty"`
}

// InstrumentKey identifies a cached instrument resolution
type InstrumentKey struct {
	Symbol   string
	Class    InstrumentClass
	Exchange string
	Currency string
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Symbol, k.Class, k.Exchange, k.Currency)
}

// Normalized returns a copy with upper-cased symbol and defaults filled in
func (s InstrumentSpec) Normalized() InstrumentSpec {
	n := s
	n.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if n.Class == "" {
		n.Class = ClassStock
	}
	n.Class = InstrumentClass(strings.ToUpper(string(n.Class)))
	if n.Exchange == "" {
		n.Exchange = DefaultExchange
	}
	n.Exchange = strings.ToUpper(n.Exchange)
	if n.Currency == "" {
		n.Currency = DefaultCurrency
	}
	n.Currency = strings.ToUpper(n.Currency)
	n.Right = strings.ToUpper(n.Right)
	return n
}

// Key returns the resolution cache key for the requested instrument
func (s InstrumentSpec) Key() InstrumentKey {
	n := s.Normalized()
	return InstrumentKey{Symbol: n.Symbol, Class: n.Class, Exchange: n.Exchange, Currency: n.Currency}
}

// Canonical is the stable textual form used when hashing order identifiers
func (s InstrumentSpec) Canonical() string {
	n := s.Normalized()
	parts := []string{n.Symbol, string(n.Class)}
	if n.Expiry != "" {
		parts = append(parts, n.Expiry)
	}
	if n.Strike != nil {
		parts = append(parts, n.Strike.String())
	}
	if n.Right != "" {
		parts = append(parts, n.Right)
	}
	return strings.Join(parts, ":")
}

// Validate checks the derivative fields required by the instrument class
func (s InstrumentSpec) Validate() error {
	n := s.Normalized()
	if n.Symbol == "" {
		return NewValidationError("instrument.symbol", "symbol is required")
	}
	if !instrumentClasses[n.Class] {
		return NewValidationError("instrument.class", fmt.Sprintf("unsupported instrument class %q", n.Class))
	}
	switch n.Class {
	case ClassFuture, ClassOption, ClassFOP:
		if n.Expiry == "" {
			return NewValidationError("instrument.expiry", fmt.Sprintf("%s instruments require an expiry", n.Class))
		}
	}
	if n.Class == ClassOption || n.Class == ClassFOP {
		if n.Strike == nil || !n.Strike.IsPositive() {
			return NewValidationError("instrument.strike", "options require a positive strike")
		}
		if n.Right != "C" && n.Right != "P" {
			return NewValidationError("instrument.right", "options require right C or P")
		}
	}
	return nil
}

// ResolvedInstrument is the venue's canonical answer for an InstrumentSpec
type ResolvedInstrument struct {
	ConID       int64           `json:"con_id"`
	Symbol      string          `json:"symbol"`
	Class       InstrumentClass `json:"class"`
	Exchange    string          `json:"exchange"`
	Currency    string          `json:"currency"`
	LocalSymbol string          `json:"local_symbol"`
}

// LocalResolution builds a resolution without asking the venue. Simulated
// orders use it so paper trading works with the venue offline.
func LocalResolution(spec InstrumentSpec) ResolvedInstrument {
	n := spec.Normalized()
	return ResolvedInstrument{
		Symbol:      n.Symbol,
		Class:       n.Class,
		Exchange:    n.Exchange,
		Currency:    n.Currency,
		LocalSymbol: n.Symbol,
	}
}

// Quote is a top-of-book snapshot
type Quote struct {
	ConID int64           `json:"con_id"`
	Bid   decimal.Decimal `json:"bid"`
	Ask   decimal.Decimal `json:"ask"`
	Last  decimal.Decimal `json:"last"`
}
