package solver

import "fmt"

// verifyAssignment re-checks a complete assignment against every
// constraint: each job's pair appears exactly once, on one vehicle, pickup
// before dropoff, and every route propagates within its bounds. The search
// trusts its incremental checks; this is the final gate before a result
// leaves the engine, and workers run it before publishing a shared best.
func verifyAssignment(m *model, a *assignment) error {
	if len(a.routes) != len(m.p.Vehicles) {
		return fmt.Errorf("assignment has %d routes for %d vehicles", len(a.routes), len(m.p.Vehicles))
	}
	seen := make(map[int]int, 2*len(m.p.Jobs)) // visit -> vehicle
	for veh, interior := range a.routes {
		pos := make(map[int]int, len(interior))
		for i, vis := range interior {
			if vis < 0 || vis >= 2*len(m.p.Jobs) {
				return fmt.Errorf("route %d carries non-job visit %d", veh, vis)
			}
			if _, dup := seen[vis]; dup {
				return fmt.Errorf("visit %d appears on more than one route", vis)
			}
			seen[vis] = veh
			pos[vis] = i
		}
		for vis, i := range pos {
			v := m.visits[vis]
			if v.kind != visitPickup {
				continue
			}
			di, ok := pos[m.dropoff(v.job)]
			if !ok {
				return fmt.Errorf("job %d: pickup and dropoff split across vehicles", v.job)
			}
			if di < i {
				return fmt.Errorf("job %d: dropoff precedes pickup", v.job)
			}
		}
		s, ok := propagateRoute(m, veh, m.fullPath(veh, interior))
		if !ok {
			return fmt.Errorf("route %d violates its time or load bounds", veh)
		}
		if s.cost != a.routeCost[veh] {
			return fmt.Errorf("route %d cost drifted: cached %d, propagated %d", veh, a.routeCost[veh], s.cost)
		}
	}
	for job := range m.p.Jobs {
		if _, ok := seen[m.pickup(job)]; !ok {
			return fmt.Errorf("job %d is not assigned", job)
		}
	}
	return nil
}
