package solver

import "fmt"

// constructInsertion builds the initial assignment by global cheapest
// insertion: scan every unplaced job against every vehicle and position
// pair, apply the feasible insertion with the smallest added transit cost,
// repeat until every job is placed. Only strictly better candidates
// replace the incumbent, so ties resolve to the earliest job, vehicle,
// and position scanned.
func constructInsertion(m *model) (*assignment, error) {
	a, ok := newAssignment(m)
	if !ok {
		return nil, &InfeasibleError{Detail: "a driver cannot reach the end of their route within the shift"}
	}
	unplaced := make([]int, len(m.p.Jobs))
	for i := range unplaced {
		unplaced[i] = i
	}
	for len(unplaced) > 0 {
		type candidate struct {
			slot, veh   int
			interior    []int
			cost, delta int64
		}
		best := candidate{slot: -1}
		for slot, job := range unplaced {
			pu, do := m.pickup(job), m.dropoff(job)
			for veh := range a.routes {
				interior := a.routes[veh]
				for pp := 0; pp <= len(interior); pp++ {
					for dp := pp; dp <= len(interior); dp++ {
						trial := insertPair(interior, pu, do, pp, dp)
						cost, feasible := routeFeasible(m, veh, trial)
						if !feasible {
							continue
						}
						delta := cost - a.routeCost[veh]
						if best.slot < 0 || delta < best.delta {
							best = candidate{slot: slot, veh: veh, interior: trial, cost: cost, delta: delta}
						}
					}
				}
			}
		}
		if best.slot < 0 {
			return nil, &InfeasibleError{
				Detail: fmt.Sprintf("%d of %d jobs cannot be placed on any vehicle; add drivers or widen pickup windows", len(unplaced), len(m.p.Jobs)),
			}
		}
		a.setRoute(best.veh, best.interior, best.cost)
		unplaced = append(unplaced[:best.slot], unplaced[best.slot+1:]...)
	}
	return a, nil
}
