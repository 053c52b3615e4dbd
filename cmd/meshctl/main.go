// Command meshctl exercises the resilience fabric end to end against a
// simulated upstream: calls flow through the circuit breaker, the load
// balancer picks an instance, the outcome feeds the health trend analyzer,
// and the analyzer's trend steers the breaker in turn. The balancer does not
// read the analyzer; it ranks instances by their own simulated health scores.
//
// Example:
//
//	meshctl simulate --rounds 200 --instances 5 --breaker adaptive --lb adaptive
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/datapunk/lake/internal/balancer"
	"github.com/datapunk/lake/internal/breaker"
	"github.com/datapunk/lake/internal/healthtrend"
	"github.com/datapunk/lake/internal/lakeerr"
	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/metrics"
)

func main() {
	var logLevel string
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Service-mesh resilience fabric demo",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(logging.Config{Level: logLevel, Pretty: true})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.AddCommand(newSimulateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type simOptions struct {
	service         string
	rounds          int
	instances       int
	breakerStrategy string
	lbStrategy      string
	failureRate     float64
	seed            int64
}

func newSimulateCmd() *cobra.Command {
	opts := simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive simulated traffic through the breaker and balancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			result := runSimulation(cmd.Context(), opts)
			printReport(cmd.OutOrStdout(), opts, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.service, "service", "payments", "simulated service name")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 200, "number of simulated calls")
	cmd.Flags().IntVar(&opts.instances, "instances", 5, "number of simulated instances")
	cmd.Flags().StringVar(&opts.breakerStrategy, "breaker", "adaptive", "circuit strategy: count, rate, health, adaptive")
	cmd.Flags().StringVar(&opts.lbStrategy, "lb", "adaptive", "balancer strategy: wrr, least_conn, power_of_two, health_wrr, adaptive")
	cmd.Flags().Float64Var(&opts.failureRate, "failure-rate", 0.1, "baseline probability a call fails")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed for reproducible runs")
	return cmd
}

// simInstance carries the mutable simulation state behind one balancer
// candidate.
type simInstance struct {
	id          string
	health      float64
	connections int
	selections  int
	failures    int
}

type simResult struct {
	instances  []*simInstance
	completed  int
	failed     int
	rejected   int
	finalState breaker.Mode
	trend      healthtrend.Trend
}

func runSimulation(ctx context.Context, opts simOptions) simResult {
	rng := rand.New(rand.NewSource(opts.seed))

	analyzer := healthtrend.New(healthtrend.Config{})
	sink := metrics.New(metrics.Config{})
	br := breaker.New(breaker.Config{StrategyName: opts.breakerStrategy}, func(service string) (healthtrend.Trend, bool) {
		t := analyzer.Analyze(service, "aggregate")
		return t, t.Direction != healthtrend.Unknown
	}, sink)
	lb := balancer.New(balancer.Config{StrategyName: opts.lbStrategy, MaxConsecutiveFailures: 5})

	sims := make([]*simInstance, opts.instances)
	for i := range sims {
		sims[i] = &simInstance{id: fmt.Sprintf("inst-%d", i+1), health: 1.0}
	}

	result := simResult{instances: sims}
	for round := 0; round < opts.rounds; round++ {
		candidates := make([]balancer.Instance, len(sims))
		for i, s := range sims {
			candidates[i] = balancer.Instance{
				ID:                  s.id,
				Weight:              1,
				ActiveConnections:   s.connections,
				HealthScore:         s.health,
				ConsecutiveFailures: s.failures,
			}
		}

		err := br.Execute(ctx, opts.service, func(context.Context) error {
			selected, err := lb.Select(opts.service, candidates)
			if err != nil {
				return err
			}
			sim := findInstance(sims, selected.ID)
			sim.selections++
			sim.connections++
			defer func() { sim.connections-- }()

			// An instance's real failure odds scale with its simulated
			// degradation.
			if rng.Float64() < opts.failureRate*(2-sim.health) {
				sim.failures++
				sim.health = clamp01(sim.health - 0.1)
				return fmt.Errorf("simulated failure from %s", sim.id)
			}
			sim.failures = 0
			sim.health = clamp01(sim.health + 0.02)
			return nil
		}, nil)

		score := meanHealth(sims)
		analyzer.Record(opts.service, "aggregate", score)

		switch {
		case lakeerr.Is(err, lakeerr.CircuitOpen):
			result.rejected++
		case err != nil:
			result.failed++
		default:
			result.completed++
		}
	}

	result.finalState = br.State(opts.service)
	result.trend = analyzer.Analyze(opts.service, "aggregate")
	return result
}

func findInstance(sims []*simInstance, id string) *simInstance {
	for _, s := range sims {
		if s.id == id {
			return s
		}
	}
	return sims[0]
}

func meanHealth(sims []*simInstance) float64 {
	var sum float64
	for _, s := range sims {
		sum += s.health
	}
	return sum / float64(len(sims))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func printReport(w io.Writer, opts simOptions, r simResult) {
	fmt.Fprintf(w, "service %s: %d completed, %d failed, %d rejected by open circuit\n",
		opts.service, r.completed, r.failed, r.rejected)
	fmt.Fprintf(w, "circuit: %s   health trend: %s (slope %.4f, r2 %.2f)\n",
		r.finalState, r.trend.Direction, r.trend.Slope, r.trend.RSquared)

	sorted := append([]*simInstance(nil), r.instances...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].selections > sorted[j].selections })
	for _, s := range sorted {
		fmt.Fprintf(w, "  %-8s selections=%-4d health=%.2f\n", s.id, s.selections, s.health)
	}
}
