package fleet

import (
	"fmt"
	"sort"
	"sync"
)

// Strategy picks one robot from the routable candidates. Candidates are
// already filtered to Routable status; a strategy returning nil means no
// robot fits the requirements.
type Strategy interface {
	Select(candidates []Robot, req Requirements) *Robot
	Name() string
}

// NewStrategy builds a strategy by config name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "capability_match":
		return &CapabilityMatch{}, nil
	case "round_robin":
		return &RoundRobin{}, nil
	case "least_busy":
		return &LeastBusy{}, nil
	default:
		return nil, fmt.Errorf("fleet: unknown strategy %q", name)
	}
}

// RoundRobin cycles through candidates in stable ID order. Capability
// requirements still filter; the rotation is over the filtered set.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

// Name implements Strategy.
func (s *RoundRobin) Name() string { return "round_robin" }

// Select implements Strategy.
func (s *RoundRobin) Select(candidates []Robot, req Requirements) *Robot {
	fit := filterCapable(candidates, req)
	if len(fit) == 0 {
		return nil
	}
	sort.Slice(fit, func(i, j int) bool { return fit[i].ID < fit[j].ID })
	s.mu.Lock()
	idx := s.next % uint64(len(fit))
	s.next++
	s.mu.Unlock()
	return &fit[idx]
}

// LeastBusy picks the candidate with the lowest current load, ties broken
// by ID for determinism.
type LeastBusy struct{}

// Name implements Strategy.
func (s *LeastBusy) Name() string { return "least_busy" }

// Select implements Strategy.
func (s *LeastBusy) Select(candidates []Robot, req Requirements) *Robot {
	fit := filterCapable(candidates, req)
	if len(fit) == 0 {
		return nil
	}
	sort.Slice(fit, func(i, j int) bool {
		if fit[i].CurrentLoad != fit[j].CurrentLoad {
			return fit[i].CurrentLoad < fit[j].CurrentLoad
		}
		return fit[i].ID < fit[j].ID
	})
	return &fit[0]
}

// CapabilityMatch filters to robots advertising every required capability,
// then routes least-busy among the matches. This is the default strategy.
type CapabilityMatch struct {
	leastBusy LeastBusy
}

// Name implements Strategy.
func (s *CapabilityMatch) Name() string { return "capability_match" }

// Select implements Strategy.
func (s *CapabilityMatch) Select(candidates []Robot, req Requirements) *Robot {
	return s.leastBusy.Select(candidates, req)
}

func filterCapable(candidates []Robot, req Requirements) []Robot {
	fit := make([]Robot, 0, len(candidates))
	for _, r := range candidates {
		if r.HasCapabilities(req.Capabilities) && r.CurrentLoad < r.MaxLoad {
			fit = append(fit, r)
		}
	}
	return fit
}
