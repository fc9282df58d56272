package solver

// Engine constants. The pickup tolerance has a configurable counterpart in
// Config; the slack cap and route ceiling are fixed properties of the model.
const (
	DefaultPickupTolerance int64 = 900   // seconds either side of the pickup target
	MaxStopSlack           int64 = 1800  // longest wait permitted before any single visit
	RouteCeiling           int64 = 86400 // hard per-route clock ceiling
)

// Job is one mandatory pickup-and-delivery pair.
type Job struct {
	PickupNode  int
	DropoffNode int
	Passengers  int64
	PickupTime  int64 // target pickup, seconds of day
}

// Vehicle is a capacity- and shift-bounded agent.
type Vehicle struct {
	ID         string
	Name       string
	Phone      string
	StartNode  int
	EndNode    int
	Capacity   int64
	ShiftStart int64
	ShiftEnd   int64
}

// Problem is one complete optimization instance. It is treated as
// immutable for the duration of a run.
type Problem struct {
	Matrix   Matrix
	Jobs     []Job
	Vehicles []Vehicle
}

const (
	visitPickup = iota
	visitDropoff
	visitStart
	visitEnd
)

type window struct{ lo, hi int64 }

// visit is one solver index. Every job owns a pickup and a dropoff visit
// and every vehicle owns a start and an end visit, so a physical node may
// appear at several indices.
type visit struct {
	node    int
	job     int // owning job, -1 for start/end visits
	vehicle int // owning vehicle, -1 for job visits
	kind    int
	demand  int64
	win     window
}

// model is the normalized problem: the visit space plus index helpers.
type model struct {
	p      Problem
	tol    int64
	visits []visit
}

func (m *model) pickup(job int) int  { return 2 * job }
func (m *model) dropoff(job int) int { return 2*job + 1 }
func (m *model) start(veh int) int   { return 2*len(m.p.Jobs) + 2*veh }
func (m *model) end(veh int) int     { return 2*len(m.p.Jobs) + 2*veh + 1 }

func (m *model) transit(from, to int) int64 {
	return m.p.Matrix.At(m.visits[from].node, m.visits[to].node)
}

// fullPath materializes a vehicle's path including its start and end visits.
func (m *model) fullPath(veh int, interior []int) []int {
	path := make([]int, 0, len(interior)+2)
	path = append(path, m.start(veh))
	path = append(path, interior...)
	return append(path, m.end(veh))
}

// buildModel validates the problem and lays out the visit space.
func buildModel(p Problem, tol int64) (*model, error) {
	if err := p.Matrix.validate(); err != nil {
		return nil, err
	}
	if len(p.Vehicles) == 0 {
		return nil, invalidf("at least one driver is required")
	}
	n := p.Matrix.Size()
	if tol <= 0 {
		tol = DefaultPickupTolerance
	}
	m := &model{p: p, tol: tol, visits: make([]visit, 0, 2*len(p.Jobs)+2*len(p.Vehicles))}
	for i, j := range p.Jobs {
		if j.PickupNode < 0 || j.PickupNode >= n {
			return nil, invalidf("job %d: pickup_node %d outside matrix of size %d", i, j.PickupNode, n)
		}
		if j.DropoffNode < 0 || j.DropoffNode >= n {
			return nil, invalidf("job %d: dropoff_node %d outside matrix of size %d", i, j.DropoffNode, n)
		}
		if j.PickupNode == j.DropoffNode {
			return nil, invalidf("job %d: pickup_node and dropoff_node must differ", i)
		}
		if j.Passengers <= 0 {
			return nil, invalidf("job %d: passengers must be positive", i)
		}
		puLo := j.PickupTime - tol
		if puLo < 0 {
			puLo = 0
		}
		puHi := j.PickupTime + tol
		if puHi > RouteCeiling {
			puHi = RouteCeiling
		}
		// a target far beyond the ceiling leaves an empty window; that is
		// an infeasibility found by construction, not bad input
		m.visits = append(m.visits,
			visit{node: j.PickupNode, job: i, vehicle: -1, kind: visitPickup, demand: j.Passengers, win: window{puLo, puHi}},
			visit{node: j.DropoffNode, job: i, vehicle: -1, kind: visitDropoff, demand: -j.Passengers, win: window{0, RouteCeiling}},
		)
	}
	for i, v := range p.Vehicles {
		if v.StartNode < 0 || v.StartNode >= n {
			return nil, invalidf("driver %d: start_idx %d outside matrix of size %d", i, v.StartNode, n)
		}
		if v.EndNode < 0 || v.EndNode >= n {
			return nil, invalidf("driver %d: end_idx %d outside matrix of size %d", i, v.EndNode, n)
		}
		if v.Capacity <= 0 {
			return nil, invalidf("driver %d: capacity must be positive", i)
		}
		if v.ShiftStart < 0 || v.ShiftEnd > RouteCeiling {
			return nil, invalidf("driver %d: shift must lie within [0, %d]", i, RouteCeiling)
		}
		if v.ShiftStart > v.ShiftEnd {
			return nil, invalidf("driver %d: shift_start is after shift_end", i)
		}
		m.visits = append(m.visits,
			visit{node: v.StartNode, job: -1, vehicle: i, kind: visitStart, win: window{v.ShiftStart, v.ShiftStart}},
			visit{node: v.EndNode, job: -1, vehicle: i, kind: visitEnd, win: window{0, v.ShiftEnd}},
		)
	}
	return m, nil
}
