package solver

// assignment maps each vehicle to the ordered job visits between its start
// and end. routeCost mirrors the propagated transit cost per route and
// cost is their sum, the objective value.
type assignment struct {
	routes    [][]int
	routeCost []int64
	cost      int64
}

func newAssignment(m *model) (*assignment, bool) {
	a := &assignment{
		routes:    make([][]int, len(m.p.Vehicles)),
		routeCost: make([]int64, len(m.p.Vehicles)),
	}
	for veh := range m.p.Vehicles {
		a.routes[veh] = []int{}
		c, ok := routeFeasible(m, veh, nil)
		if !ok {
			// the bare start-end leg does not fit the shift
			return nil, false
		}
		a.routeCost[veh] = c
		a.cost += c
	}
	return a, true
}

func (a *assignment) clone() *assignment {
	c := &assignment{
		routes:    make([][]int, len(a.routes)),
		routeCost: append([]int64(nil), a.routeCost...),
		cost:      a.cost,
	}
	for i, r := range a.routes {
		c.routes[i] = append([]int(nil), r...)
	}
	return c
}

// setRoute replaces one vehicle's interior and refreshes the cost totals.
func (a *assignment) setRoute(veh int, interior []int, cost int64) {
	a.cost += cost - a.routeCost[veh]
	a.routes[veh] = interior
	a.routeCost[veh] = cost
}

// locate returns the vehicle and interior positions of a job's pair.
func (a *assignment) locate(m *model, job int) (veh, pp, dp int) {
	pu, do := m.pickup(job), m.dropoff(job)
	for v, r := range a.routes {
		pp, dp = -1, -1
		for i, vis := range r {
			if vis == pu {
				pp = i
			} else if vis == do {
				dp = i
			}
		}
		if pp >= 0 && dp >= 0 {
			return v, pp, dp
		}
	}
	return -1, -1, -1
}

// insertPair builds a new interior with the pickup at position pp and the
// dropoff right after position dp (pp <= dp <= len(interior)), preserving
// pickup-before-dropoff by construction.
func insertPair(interior []int, pu, do, pp, dp int) []int {
	out := make([]int, 0, len(interior)+2)
	out = append(out, interior[:pp]...)
	out = append(out, pu)
	out = append(out, interior[pp:dp]...)
	out = append(out, do)
	return append(out, interior[dp:]...)
}

// removePair builds a new interior without the job's two visits.
func removePair(interior []int, pu, do int) []int {
	out := make([]int, 0, len(interior))
	for _, v := range interior {
		if v != pu && v != do {
			out = append(out, v)
		}
	}
	return out
}
