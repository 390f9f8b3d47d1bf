// Package hints exposes advisory device resource information for agents.
package hints

import (
	"strconv"
	"strings"
	"sync"
)

// LowBatteryPct is the charge below which a device counts as constrained.
const LowBatteryPct = 30

// Hint describes the resource situation of one agent. The zero Hint is
// unknown: Battery is read only when BatteryKnown is set.
type Hint struct {
	Battery      int  // percent
	BatteryKnown bool
	OnBattery    bool // running without external power
	Metered      bool // on a metered or cellular network
}

// LowBattery reports a known charge below LowBatteryPct.
func (h Hint) LowBattery() bool {
	return h.BatteryKnown && h.Battery < LowBatteryPct
}

// Constrained reports whether the device should prefer cheap options.
func (h Hint) Constrained() bool {
	return h.OnBattery || h.Metered || h.LowBattery()
}

// Unknown is returned when no hint is available.
var Unknown = Hint{}

// Provider returns hints for an agent. Absence is never an error.
type Provider interface {
	Hint(agentID string) (Hint, bool)
}

// Static is a fixed in-memory provider.
type Static struct {
	mu    sync.RWMutex
	hints map[string]Hint
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{hints: make(map[string]Hint)}
}

// Set records a hint for agentID.
func (s *Static) Set(agentID string, h Hint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[agentID] = h
}

func (s *Static) Hint(agentID string) (Hint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hints[agentID]
	return h, ok
}

// MetadataSource looks up an agent's metadata map.
type MetadataSource interface {
	Metadata(agentID string) (map[string]string, bool)
}

type registryProvider struct {
	src MetadataSource
}

// FromRegistry derives hints from agent metadata keys battery, power and network.
func FromRegistry(src MetadataSource) Provider {
	return registryProvider{src: src}
}

func (p registryProvider) Hint(agentID string) (Hint, bool) {
	md, ok := p.src.Metadata(agentID)
	if !ok {
		return Unknown, false
	}
	return Parse(md)
}

// Parse reads a hint from metadata. It reports false when no hint keys are set.
func Parse(md map[string]string) (Hint, bool) {
	h := Unknown
	found := false
	if v, ok := md["battery"]; ok {
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "%")); err == nil {
			h.Battery, h.BatteryKnown = n, true
			found = true
		}
	}
	if v, ok := md["power"]; ok {
		h.OnBattery = strings.EqualFold(strings.TrimSpace(v), "battery")
		found = true
	}
	if v, ok := md["network"]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "cellular", "metered", "mobile":
			h.Metered = true
		}
		found = true
	}
	return h, found
}
