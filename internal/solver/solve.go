package solver

import (
	"fmt"
	"sync"
	"time"

	"shuttleplan/internal/logging"
)

// Config carries one run's settings. The zero value is usable: every field
// falls back to its default. Configs are copied per request and never
// shared mutable.
type Config struct {
	TimeBudget      time.Duration // wall clock for the whole run (default 30s)
	PickupTolerance int64         // seconds either side of pickup_time (default 900)
	Workers         int           // parallel improvement workers (default 1)
	StaleLimit      int           // iterations without improvement before stopping
	PenaltyReset    int           // fruitless local optima before penalties reset
}

func (c Config) withDefaults() Config {
	if c.TimeBudget <= 0 {
		c.TimeBudget = 30 * time.Second
	}
	if c.PickupTolerance <= 0 {
		c.PickupTolerance = DefaultPickupTolerance
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StaleLimit <= 0 {
		c.StaleLimit = 2000
	}
	if c.PenaltyReset <= 0 {
		c.PenaltyReset = 40
	}
	return c
}

// Progress is one strict improvement of the shared best.
type Progress struct {
	Iteration int
	BestCost  int64
	ElapsedMs int64
}

// Metrics summarizes one run.
type Metrics struct {
	Iterations   int
	Improvements int
	PenaltyBumps int
	Restarts     int
	Workers      int
	InitialCost  int64
	BestCost     int64
	ElapsedMs    int64
	Snapshots    []Progress
}

// Solve validates and normalizes the problem, constructs an initial
// assignment by cheapest insertion, improves it with guided local search
// inside the wall-clock budget, and extracts the surviving routes.
// onProgress, when non-nil, receives every strict improvement of the
// shared best. Errors are *InvalidInputError, *InfeasibleError, or an
// internal fault.
func Solve(p Problem, cfg Config, onProgress func(Progress)) (Solution, Metrics, error) {
	cfg = cfg.withDefaults()
	started := time.Now()
	log := logging.Component("solver")
	m, err := buildModel(p, cfg.PickupTolerance)
	if err != nil {
		return Solution{}, Metrics{}, err
	}
	initial, err := constructInsertion(m)
	if err != nil {
		return Solution{}, Metrics{}, err
	}
	met := Metrics{Workers: cfg.Workers, InitialCost: initial.cost, BestCost: initial.cost}
	best := initial
	if len(p.Jobs) > 0 {
		deadline := started.Add(cfg.TimeBudget)
		var mu sync.Mutex
		var faults int
		// last-improvement-wins merge: a worker publishes a verified clone
		// under the lock, never a partially updated assignment
		record := func(a *assignment, iter int) {
			mu.Lock()
			defer mu.Unlock()
			if a.cost >= best.cost {
				return
			}
			if verr := verifyAssignment(m, a); verr != nil {
				faults++
				log.Error().Err(verr).Msg("worker produced an invalid assignment")
				return
			}
			best = a.clone()
			met.Improvements++
			met.BestCost = best.cost
			pr := Progress{Iteration: iter, BestCost: best.cost, ElapsedMs: time.Since(started).Milliseconds()}
			met.Snapshots = append(met.Snapshots, pr)
			if onProgress != nil {
				onProgress(pr)
			}
		}
		pull := func() *assignment {
			mu.Lock()
			defer mu.Unlock()
			return best.clone()
		}
		var wg sync.WaitGroup
		for w := 0; w < cfg.Workers; w++ {
			wg.Add(1)
			go func(spin int) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						mu.Lock()
						faults++
						mu.Unlock()
						log.Error().Int("worker", spin).Interface("panic", r).Msg("search worker recovered")
					}
				}()
				res, st := improve(m, initial, cfg, deadline, spin, record, pull)
				record(res, st.iterations)
				mu.Lock()
				met.Iterations += st.iterations
				met.PenaltyBumps += st.penaltyBumps
				met.Restarts += st.restarts
				mu.Unlock()
			}(w)
		}
		wg.Wait()
		if faults > 0 {
			log.Warn().Int("faults", faults).Msg("run finished with recovered faults")
		}
	}
	met.ElapsedMs = time.Since(started).Milliseconds()
	met.BestCost = best.cost
	if err := verifyAssignment(m, best); err != nil {
		log.Error().Err(err).Msg("result failed final verification")
		return Solution{}, met, fmt.Errorf("internal: result failed verification: %w", err)
	}
	log.Info().
		Int("jobs", len(p.Jobs)).
		Int("drivers", len(p.Vehicles)).
		Int("iterations", met.Iterations).
		Int64("initial_cost", met.InitialCost).
		Int64("best_cost", met.BestCost).
		Int64("elapsed_ms", met.ElapsedMs).
		Msg("solve finished")
	return extract(m, best), met, nil
}
