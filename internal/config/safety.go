package config

import (
	"sync"

	"github.com/ksred/klear-gate/internal/types"
)

// Safety is an immutable snapshot of the values the gate chain reads
type Safety struct {
	Mode          types.TradingMode
	OrdersEnabled bool
	OverridePath  string
}

// SafetySource yields the safety values in effect right now. Implementations
// must go back to the authoritative source on every call.
type SafetySource interface {
	Safety() (Safety, error)
}

// FileSafetySource re-reads the config file and environment on every call so
// that an edit between two orders is always seen by the second one.
type FileSafetySource struct {
	path string
}

func NewFileSafetySource(path string) *FileSafetySource {
	return &FileSafetySource{path: path}
}

func (s *FileSafetySource) Safety() (Safety, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return Safety{}, err
	}
	return cfg.Safety(), nil
}

// StaticSafetySource serves a value set in code. Tests and embedded callers
// use Set to flip modes between requests.
type StaticSafetySource struct {
	mu     sync.RWMutex
	safety Safety
}

func NewStaticSafetySource(s Safety) *StaticSafetySource {
	return &StaticSafetySource{safety: s}
}

func (s *StaticSafetySource) Safety() (Safety, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safety, nil
}

func (s *StaticSafetySource) Set(safety Safety) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safety = safety
}
