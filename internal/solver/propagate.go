package solver

// schedule is the propagated state of one route: the time value at every
// position of the path plus the summed transit cost of its edges.
type schedule struct {
	times []int64
	cost  int64
}

// propagateRoute walks a full path (start visit, interior visits, end
// visit) forward. The time value at each position is the arrival pushed up
// to the visit's window start; the walk fails as soon as the required wait
// exceeds MaxStopSlack, a window end or the route ceiling is passed, or
// the running load leaves [0, capacity]. The returned times are the
// arrival_time values reported for the route.
func propagateRoute(m *model, veh int, path []int) (schedule, bool) {
	v := m.p.Vehicles[veh]
	times := make([]int64, len(path))
	t := v.ShiftStart // start visit is pinned to exactly shift_start
	times[0] = t
	var load, cost int64
	for i := 1; i < len(path); i++ {
		vis := m.visits[path[i]]
		tr := m.transit(path[i-1], path[i])
		cost += tr
		arr := t + tr
		at := arr
		if at < vis.win.lo {
			at = vis.win.lo
		}
		if at-arr > MaxStopSlack {
			return schedule{}, false
		}
		if at > vis.win.hi || at > RouteCeiling {
			return schedule{}, false
		}
		load += vis.demand
		if load < 0 || load > v.Capacity {
			return schedule{}, false
		}
		times[i] = at
		t = at
	}
	return schedule{times: times, cost: cost}, true
}

// routeFeasible reports whether a vehicle could run the given interior
// visits, without keeping the propagated times.
func routeFeasible(m *model, veh int, interior []int) (int64, bool) {
	s, ok := propagateRoute(m, veh, m.fullPath(veh, interior))
	if !ok {
		return 0, false
	}
	return s.cost, true
}
