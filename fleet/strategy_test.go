package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func robots() []Robot {
	return []Robot{
		{ID: "rb-a", Capabilities: []string{"vision"}, CurrentLoad: 2, MaxLoad: 4},
		{ID: "rb-b", Capabilities: []string{"vision", "welding"}, CurrentLoad: 0, MaxLoad: 4},
		{ID: "rb-c", Capabilities: []string{"welding"}, CurrentLoad: 1, MaxLoad: 4},
	}
}

func TestNewStrategyNames(t *testing.T) {
	for _, name := range []string{"", "capability_match", "round_robin", "least_busy"} {
		s, err := NewStrategy(name)
		require.NoError(t, err, name)
		require.NotNil(t, s)
	}
	_, err := NewStrategy("random")
	assert.Error(t, err)
}

func TestRoundRobinCycles(t *testing.T) {
	s := &RoundRobin{}
	var picked []string
	for i := 0; i < 6; i++ {
		r := s.Select(robots(), Requirements{})
		require.NotNil(t, r)
		picked = append(picked, r.ID)
	}
	assert.Equal(t, []string{"rb-a", "rb-b", "rb-c", "rb-a", "rb-b", "rb-c"}, picked)
}

func TestLeastBusyPicksLowestLoad(t *testing.T) {
	s := &LeastBusy{}
	r := s.Select(robots(), Requirements{})
	require.NotNil(t, r)
	assert.Equal(t, "rb-b", r.ID)
}

func TestLeastBusyTieBreaksByID(t *testing.T) {
	s := &LeastBusy{}
	candidates := []Robot{
		{ID: "rb-z", CurrentLoad: 1, MaxLoad: 2},
		{ID: "rb-a", CurrentLoad: 1, MaxLoad: 2},
	}
	r := s.Select(candidates, Requirements{})
	require.NotNil(t, r)
	assert.Equal(t, "rb-a", r.ID)
}

func TestCapabilityMatchFiltersThenLeastBusy(t *testing.T) {
	s := &CapabilityMatch{}
	r := s.Select(robots(), Requirements{Capabilities: []string{"welding"}})
	require.NotNil(t, r)
	assert.Equal(t, "rb-b", r.ID)

	assert.Nil(t, s.Select(robots(), Requirements{Capabilities: []string{"painting"}}))
}

func TestStrategiesSkipRobotsAtCapacity(t *testing.T) {
	candidates := []Robot{
		{ID: "rb-full", CurrentLoad: 2, MaxLoad: 2},
		{ID: "rb-free", CurrentLoad: 0, MaxLoad: 2},
	}
	for _, s := range []Strategy{&RoundRobin{}, &LeastBusy{}, &CapabilityMatch{}} {
		r := s.Select(candidates, Requirements{})
		require.NotNil(t, r, s.Name())
		assert.Equal(t, "rb-free", r.ID, s.Name())
	}
}
