package solver

// Stop is one visited location with its propagated arrival time.
type Stop struct {
	Node    int
	Arrival int64
}

// Route is one vehicle's ordered stop sequence, tagged with the vehicle
// for the caller.
type Route struct {
	Vehicle Vehicle
	Stops   []Stop
}

// Solution is the externally visible result of a run. Cost is the total
// transit time over all vehicles, including the ones whose routes were
// dropped as unused.
type Solution struct {
	Routes []Route
	Cost   int64
}

// extract walks each vehicle's path from its start visit to its end visit,
// reading the propagated time value at every position as the arrival time
// and mapping visits back to physical nodes. Routes of bare start-end
// pairs (the vehicle was never used) are dropped.
func extract(m *model, a *assignment) Solution {
	sol := Solution{Cost: a.cost}
	for veh, interior := range a.routes {
		if len(interior) == 0 {
			continue
		}
		path := m.fullPath(veh, interior)
		s, ok := propagateRoute(m, veh, path)
		if !ok {
			// verified before extraction; unreachable
			continue
		}
		stops := make([]Stop, len(path))
		for i, vis := range path {
			stops[i] = Stop{Node: m.visits[vis].node, Arrival: s.times[i]}
		}
		sol.Routes = append(sol.Routes, Route{Vehicle: m.p.Vehicles[veh], Stops: stops})
	}
	return sol
}
