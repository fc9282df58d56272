package solver

import (
	"testing"
	"time"
)

// improvableProblem is a two-vehicle instance where cheapest insertion
// parks both jobs on vehicle 0 (cost 33) but the optimum splits them
// across the fleet (cost 7). A single pair relocation closes the gap.
func improvableProblem() Problem {
	m := uniformMatrix(6, 30)
	m[0][2] = 1
	m[2][3] = 1
	m[3][0] = 0
	m[1][2] = 2
	m[3][1] = 1
	m[0][4] = 1
	m[4][5] = 1
	m[5][0] = 1
	m[1][4] = 25
	m[5][1] = 24
	return Problem{
		Matrix: m,
		Jobs: []Job{
			{PickupNode: 2, DropoffNode: 3, Passengers: 1, PickupTime: 600},
			{PickupNode: 4, DropoffNode: 5, Passengers: 1, PickupTime: 600},
		},
		Vehicles: []Vehicle{
			{ID: "v1", StartNode: 0, EndNode: 0, Capacity: 4, ShiftStart: 0, ShiftEnd: 86400},
			{ID: "v2", StartNode: 1, EndNode: 1, Capacity: 4, ShiftStart: 0, ShiftEnd: 86400},
		},
	}
}

func TestImproveRelocatesAcrossVehicles(t *testing.T) {
	m, err := buildModel(improvableProblem(), DefaultPickupTolerance)
	if err != nil {
		t.Fatalf("buildModel: %v", err)
	}
	initial, err := constructInsertion(m)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if initial.cost != 33 {
		t.Fatalf("construction cost = %d, want 33", initial.cost)
	}
	cfg := Config{StaleLimit: 60, PenaltyReset: 10}
	best, st := improve(m, initial, cfg, time.Now().Add(2*time.Second), 0, nil, nil)
	if best.cost != 7 {
		t.Fatalf("improved cost = %d, want 7", best.cost)
	}
	if st.improvements == 0 {
		t.Fatalf("expected at least one recorded improvement")
	}
	if err := verifyAssignment(m, best); err != nil {
		t.Fatalf("improved assignment invalid: %v", err)
	}
}

func TestImproveNeverWorsens(t *testing.T) {
	m, err := buildModel(improvableProblem(), DefaultPickupTolerance)
	if err != nil {
		t.Fatalf("buildModel: %v", err)
	}
	initial, err := constructInsertion(m)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	cfg := Config{StaleLimit: 30, PenaltyReset: 10}
	best, _ := improve(m, initial.clone(), cfg, time.Now().Add(time.Second), 0, nil, nil)
	again, _ := improve(m, best.clone(), cfg, time.Now().Add(time.Second), 0, nil, nil)
	if again.cost > best.cost {
		t.Fatalf("re-improving worsened cost: %d -> %d", best.cost, again.cost)
	}
}

func TestLambdaScaling(t *testing.T) {
	small := &assignment{routes: [][]int{{}, {}}, cost: 5}
	if got := lambdaFor(small); got != 1 {
		t.Fatalf("lambda = %d, want floor of 1", got)
	}
	big := &assignment{routes: [][]int{{7, 8, 9, 10}}, cost: 10000}
	if got := lambdaFor(big); got != 200 {
		t.Fatalf("lambda = %d, want 200", got)
	}
}

func TestPenalizeTargetsCostliestEdge(t *testing.T) {
	m, err := buildModel(improvableProblem(), DefaultPickupTolerance)
	if err != nil {
		t.Fatalf("buildModel: %v", err)
	}
	a, err := constructInsertion(m)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	// construction chains both jobs on vehicle 0; the 30s hop from job 1's
	// dropoff to job 0's pickup dominates every other edge
	hop := edge{from: m.dropoff(1), to: m.pickup(0)}
	g := &gls{m: m, penalty: map[edge]int64{}}
	g.penalize(a)
	if g.penalty[hop] != 1 {
		t.Fatalf("expected the costliest edge to take the first penalty, got %v", g.penalty)
	}
	// one bump halves its utility to 15, still ahead of the 1s edges
	g.penalize(a)
	if g.penalty[hop] != 2 {
		t.Fatalf("expected the dominant edge to take the second bump too, got %v", g.penalty)
	}
}
