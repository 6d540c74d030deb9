// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/gateway/orchestrator/llm"
)

// StrategyName identifies a selector strategy.
type StrategyName string

const (
	// StrategyRoundRobin cycles a per-pool counter over live candidates.
	StrategyRoundRobin StrategyName = "round_robin"

	// StrategyWeightedRandom draws by configured weight, default weight 1.
	StrategyWeightedRandom StrategyName = "weighted_random"

	// StrategyLeastLoaded picks the candidate with the fewest in-flight
	// calls.
	StrategyLeastLoaded StrategyName = "least_loaded"

	// StrategyFailover always picks the head of the ordered candidate
	// list.
	StrategyFailover StrategyName = "failover"
)

// ValidStrategies lists every selector the router accepts.
var ValidStrategies = []StrategyName{
	StrategyRoundRobin,
	StrategyWeightedRandom,
	StrategyLeastLoaded,
	StrategyFailover,
}

// IsValidStrategy checks a strategy name.
func IsValidStrategy(s string) bool {
	for _, v := range ValidStrategies {
		if StrategyName(s) == v {
			return true
		}
	}
	return false
}

// LoadReader exposes per-provider in-flight counts recorded by the
// orchestrator. The least-loaded strategy reads it.
type LoadReader interface {
	Inflight(providerID string) int64
}

// Strategy selects a primary from an ordered candidate list. Candidates
// arrive sorted by id; implementations must be safe for concurrent use.
type Strategy interface {
	Name() StrategyName
	Select(pool llm.Pool, candidates []string) string
}

// NewStrategy builds a selector by name. Weights feed the weighted-random
// selector; loads feeds least-loaded. Unknown names fall back to
// round-robin.
func NewStrategy(name StrategyName, weights map[string]float64, loads LoadReader) Strategy {
	switch name {
	case StrategyWeightedRandom:
		return NewWeightedRandom(weights)
	case StrategyLeastLoaded:
		return NewLeastLoaded(loads)
	case StrategyFailover:
		return &Failover{}
	default:
		return NewRoundRobin()
	}
}

// RoundRobin maintains one atomic counter per pool.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[llm.Pool]*uint64
}

// NewRoundRobin creates a round-robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[llm.Pool]*uint64)}
}

func (s *RoundRobin) Name() StrategyName { return StrategyRoundRobin }

func (s *RoundRobin) Select(pool llm.Pool, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	s.mu.Lock()
	counter, ok := s.counters[pool]
	if !ok {
		counter = new(uint64)
		s.counters[pool] = counter
	}
	s.mu.Unlock()

	n := atomic.AddUint64(counter, 1) - 1
	return candidates[int(n%uint64(len(candidates)))]
}

// WeightedRandom draws candidates proportionally to configured weights.
// Unconfigured candidates weigh 1.0. Candidate order is stabilized by id
// before drawing so equal inputs give equal distributions.
type WeightedRandom struct {
	weights map[string]float64
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewWeightedRandom creates a weighted-random selector.
func NewWeightedRandom(weights map[string]float64) *WeightedRandom {
	if weights == nil {
		weights = make(map[string]float64)
	}
	return &WeightedRandom{
		weights: weights,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *WeightedRandom) Name() StrategyName { return StrategyWeightedRandom }

func (s *WeightedRandom) Select(pool llm.Pool, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	ordered := append([]string(nil), candidates...)
	sort.Strings(ordered)

	total := 0.0
	for _, c := range ordered {
		total += s.weightOf(c)
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for _, c := range ordered {
		r -= s.weightOf(c)
		if r <= 0 {
			return c
		}
	}
	return ordered[0]
}

func (s *WeightedRandom) weightOf(id string) float64 {
	if w, ok := s.weights[id]; ok && w > 0 {
		return w
	}
	return 1.0
}

// LeastLoaded picks the candidate with the fewest in-flight calls,
// breaking ties lexicographically by id.
type LeastLoaded struct {
	loads LoadReader
}

// NewLeastLoaded creates a least-loaded selector.
func NewLeastLoaded(loads LoadReader) *LeastLoaded {
	return &LeastLoaded{loads: loads}
}

func (s *LeastLoaded) Name() StrategyName { return StrategyLeastLoaded }

func (s *LeastLoaded) Select(pool llm.Pool, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	best := ""
	var bestLoad int64
	for _, c := range candidates {
		var load int64
		if s.loads != nil {
			load = s.loads.Inflight(c)
		}
		if best == "" || load < bestLoad || (load == bestLoad && c < best) {
			best = c
			bestLoad = load
		}
	}
	return best
}

// Failover always returns the head of the ordered candidate list.
type Failover struct{}

func (s *Failover) Name() StrategyName { return StrategyFailover }

func (s *Failover) Select(pool llm.Pool, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

// ParseWeights parses "provider1:weight1,provider2:weight2" into a weight
// map. Weights must be non-negative; they are not normalized (the
// weighted-random selector works with raw weights).
func ParseWeights(s string) (map[string]float64, error) {
	weights := make(map[string]float64)
	if s == "" {
		return weights, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.Split(part, ":")
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid weight %q, expected 'provider:weight'", part)
		}
		provider := strings.TrimSpace(kv[0])
		w, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight value for %q: %w", provider, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("negative weight %v for %q", w, provider)
		}
		weights[provider] = w
	}
	return weights, nil
}
