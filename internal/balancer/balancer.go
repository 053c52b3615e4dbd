// Package balancer implements the health-aware load balancer: an instance
// selector over a caller-supplied candidate list, stateless across
// services beyond each strategy's own small per-service counters.
package balancer

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/datapunk/lake/internal/lakeerr"
)

// Instance is the caller-supplied view of one candidate backend.
type Instance struct {
	ID                  string
	Addr                string
	Port                int
	Weight              int
	ActiveConnections   int
	LastUsed            time.Time
	HealthScore         float64
	ConsecutiveFailures int
	Metadata            map[string]string
}

// Config controls the health filter and the adaptive strategy's exclusion
// rule.
type Config struct {
	StrategyName           string  // "wrr", "least_conn", "power_of_two", "health_wrr", "adaptive"
	MinHealthScore         float64 // default 0.5
	MaxConsecutiveFailures int     // 0 disables the adaptive exclusion rule
}

func (c Config) withDefaults() Config {
	if c.StrategyName == "" {
		c.StrategyName = "wrr"
	}
	if c.MinHealthScore <= 0 {
		c.MinHealthScore = 0.5
	}
	return c
}

// LoadBalancer selects one Instance per call, applying the shared health
// filter before any strategy runs.
type LoadBalancer struct {
	cfg Config
	rng *rand.Rand

	mu         sync.Mutex
	weights    map[string]map[string]float64 // service -> instance ID -> smooth-RR current weight
	lastHealth map[string]map[string]float64 // service -> instance ID -> health at last Select
}

func New(cfg Config) *LoadBalancer {
	return &LoadBalancer{
		cfg:        cfg.withDefaults(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		weights:    make(map[string]map[string]float64),
		lastHealth: make(map[string]map[string]float64),
	}
}

// Select filters instances by the health floor, then dispatches to the
// configured strategy (or chooses one per call, for "adaptive").
func (lb *LoadBalancer) Select(service string, instances []Instance) (*Instance, error) {
	healthy := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.HealthScore >= lb.cfg.MinHealthScore {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, lakeerr.New(lakeerr.NoInstanceAvailable, "balancer.select", nil)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	previousHealth := lb.lastHealth[service]
	lb.recordHealthLocked(service, healthy)

	strategy := lb.cfg.StrategyName
	if strategy == "adaptive" {
		healthy = lb.applyAdaptiveBias(previousHealth, healthy)
		strategy = lb.chooseAdaptiveStrategy(healthy)
	}

	var selected *Instance
	switch strategy {
	case "least_conn":
		selected = leastConnections(healthy)
	case "power_of_two":
		selected = lb.powerOfTwo(healthy)
	case "health_wrr":
		selected = lb.smoothRoundRobin(service, healthy, func(i Instance) float64 {
			w := float64(i.Weight)
			if w <= 0 {
				w = 1
			}
			return w * i.HealthScore
		})
	default: // "wrr"
		selected = lb.smoothRoundRobin(service, healthy, func(i Instance) float64 {
			w := float64(i.Weight)
			if w <= 0 {
				w = 1
			}
			return w
		})
	}
	return selected, nil
}

// leastConnections minimizes active_connections / max(0.1, health_score).
func leastConnections(instances []Instance) *Instance {
	best := instances[0]
	bestScore := loadScore(best)
	for _, inst := range instances[1:] {
		if s := loadScore(inst); s < bestScore {
			best, bestScore = inst, s
		}
	}
	return &best
}

func loadScore(i Instance) float64 {
	return float64(i.ActiveConnections) / math.Max(0.1, i.HealthScore)
}

// powerOfTwo samples two healthy instances uniformly at random and returns
// the one with the lower load score.
func (lb *LoadBalancer) powerOfTwo(instances []Instance) *Instance {
	if len(instances) == 1 {
		return &instances[0]
	}
	i := lb.rng.Intn(len(instances))
	j := lb.rng.Intn(len(instances) - 1)
	if j >= i {
		j++
	}
	a, b := instances[i], instances[j]
	if loadScore(a) <= loadScore(b) {
		return &a
	}
	return &b
}

// smoothRoundRobin implements nginx-style smooth weighted round robin:
// every instance's current weight accrues by its configured weight each
// call; the instance with the highest current weight is selected and then
// debited by the total weight.
func (lb *LoadBalancer) smoothRoundRobin(service string, instances []Instance, weightFn func(Instance) float64) *Instance {
	state, ok := lb.weights[service]
	if !ok {
		state = make(map[string]float64)
		lb.weights[service] = state
	}

	var total float64
	var best *Instance
	var bestWeight float64
	for idx := range instances {
		inst := instances[idx]
		w := weightFn(inst)
		total += w
		state[inst.ID] += w
		if best == nil || state[inst.ID] > bestWeight {
			best = &instances[idx]
			bestWeight = state[inst.ID]
		}
	}
	if best != nil {
		state[best.ID] -= total
	}
	return best
}

// chooseAdaptiveStrategy picks a sub-strategy from observed conditions:
// Least-Connections when load is uneven (coefficient of variation > 0.3),
// Power-of-Two under high average load (> 100), otherwise Weighted RR.
func (lb *LoadBalancer) chooseAdaptiveStrategy(instances []Instance) string {
	if len(instances) == 0 {
		return "wrr"
	}
	conns := make([]float64, len(instances))
	var sum float64
	for i, inst := range instances {
		conns[i] = float64(inst.ActiveConnections)
		sum += conns[i]
	}
	mean := sum / float64(len(conns))
	if mean == 0 {
		return "wrr"
	}
	var variance float64
	for _, c := range conns {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(conns))
	cv := math.Sqrt(variance) / mean

	if cv > 0.3 {
		return "least_conn"
	}
	if mean > 100 {
		return "power_of_two"
	}
	return "wrr"
}

// applyAdaptiveBias excludes instances that have hit the configured
// consecutive-failure ceiling, then narrows the candidate set to any
// instance whose health score rose since the last observation (a recovery
// bias), when at least one such instance exists.
func (lb *LoadBalancer) applyAdaptiveBias(previousHealth map[string]float64, instances []Instance) []Instance {
	if lb.cfg.MaxConsecutiveFailures > 0 {
		filtered := instances[:0:0]
		for _, inst := range instances {
			if inst.ConsecutiveFailures < lb.cfg.MaxConsecutiveFailures {
				filtered = append(filtered, inst)
			}
		}
		if len(filtered) > 0 {
			instances = filtered
		}
	}

	if previousHealth == nil {
		return instances
	}
	var recovering []Instance
	for _, inst := range instances {
		if prev, ok := previousHealth[inst.ID]; ok && inst.HealthScore > prev {
			recovering = append(recovering, inst)
		}
	}
	if len(recovering) > 0 {
		return recovering
	}
	return instances
}

func (lb *LoadBalancer) recordHealthLocked(service string, instances []Instance) {
	state, ok := lb.lastHealth[service]
	if !ok {
		state = make(map[string]float64)
		lb.lastHealth[service] = state
	}
	for _, inst := range instances {
		state[inst.ID] = inst.HealthScore
	}
}
