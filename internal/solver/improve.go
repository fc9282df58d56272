package solver

import (
	"sort"
	"time"
)

type edge struct{ from, to int } // visit indices

type improveStats struct {
	iterations   int
	improvements int
	penaltyBumps int
	restarts     int
}

// gls holds one worker's guided-local-search state. Moves are evaluated on
// the augmented objective (true transit cost plus lambda-weighted edge
// penalties); the best assignment is tracked on the true cost alone.
type gls struct {
	m       *model
	lambda  int64
	penalty map[edge]int64
	spin    int
}

func (g *gls) pathPenalty(veh int, interior []int) int64 {
	if len(g.penalty) == 0 {
		return 0
	}
	var p int64
	prev := g.m.start(veh)
	for _, v := range interior {
		p += g.penalty[edge{prev, v}]
		prev = v
	}
	return p + g.penalty[edge{prev, g.m.end(veh)}]
}

// augRoute propagates a candidate interior and prices it on the augmented
// objective.
func (g *gls) augRoute(veh int, interior []int) (cost, aug int64, ok bool) {
	c, ok := routeFeasible(g.m, veh, interior)
	if !ok {
		return 0, 0, false
	}
	return c, c + g.lambda*g.pathPenalty(veh, interior), true
}

func (g *gls) curAug(a *assignment, veh int) int64 {
	return a.routeCost[veh] + g.lambda*g.pathPenalty(veh, a.routes[veh])
}

// relocatePair applies the first augmented-improving move of one job's
// pickup-dropoff pair to any position pair on any vehicle. Moving within
// the source route covers intra-route reordering.
func (g *gls) relocatePair(a *assignment) bool {
	for job := range g.m.p.Jobs {
		fromVeh, _, _ := a.locate(g.m, job)
		pu, do := g.m.pickup(job), g.m.dropoff(job)
		rem := removePair(a.routes[fromVeh], pu, do)
		remCost, remAug, remOK := g.augRoute(fromVeh, rem)
		if !remOK {
			// dropping the pair breaks a later wait bound; the pair is stuck
			continue
		}
		fromAug := g.curAug(a, fromVeh)
		for veh := range a.routes {
			base := a.routes[veh]
			if veh == fromVeh {
				base = rem
			}
			toAug := g.curAug(a, veh)
			for pp := 0; pp <= len(base); pp++ {
				for dp := pp; dp <= len(base); dp++ {
					trial := insertPair(base, pu, do, pp, dp)
					cost, aug, ok := g.augRoute(veh, trial)
					if !ok {
						continue
					}
					var delta int64
					if veh == fromVeh {
						delta = aug - fromAug
					} else {
						delta = remAug + aug - fromAug - toAug
					}
					if delta < 0 {
						if veh == fromVeh {
							a.setRoute(veh, trial, cost)
						} else {
							a.setRoute(fromVeh, rem, remCost)
							a.setRoute(veh, trial, cost)
						}
						return true
					}
				}
			}
		}
	}
	return false
}

// swapPairs applies the first augmented-improving exchange of two jobs'
// pair positions between distinct routes.
func (g *gls) swapPairs(a *assignment) bool {
	for j1 := 0; j1 < len(g.m.p.Jobs); j1++ {
		v1, pp1, dp1 := a.locate(g.m, j1)
		for j2 := j1 + 1; j2 < len(g.m.p.Jobs); j2++ {
			v2, pp2, dp2 := a.locate(g.m, j2)
			if v1 == v2 {
				continue
			}
			r1 := insertPair(removePair(a.routes[v1], g.m.pickup(j1), g.m.dropoff(j1)), g.m.pickup(j2), g.m.dropoff(j2), pp1, dp1-1)
			r2 := insertPair(removePair(a.routes[v2], g.m.pickup(j2), g.m.dropoff(j2)), g.m.pickup(j1), g.m.dropoff(j1), pp2, dp2-1)
			c1, aug1, ok := g.augRoute(v1, r1)
			if !ok {
				continue
			}
			c2, aug2, ok := g.augRoute(v2, r2)
			if !ok {
				continue
			}
			if aug1+aug2-g.curAug(a, v1)-g.curAug(a, v2) < 0 {
				a.setRoute(v1, r1, c1)
				a.setRoute(v2, r2, c2)
				return true
			}
		}
	}
	return false
}

// tailExchange applies the first augmented-improving swap of route tails
// between two vehicles, considering only cut points that keep every
// pickup-dropoff pair whole.
func (g *gls) tailExchange(a *assignment) bool {
	for v1 := 0; v1 < len(a.routes); v1++ {
		for v2 := v1 + 1; v2 < len(a.routes); v2++ {
			r1, r2 := a.routes[v1], a.routes[v2]
			for c1 := 0; c1 <= len(r1); c1++ {
				for c2 := 0; c2 <= len(r2); c2++ {
					if c1 == len(r1) && c2 == len(r2) {
						continue
					}
					n1 := spliceTail(r1, r2, c1, c2)
					n2 := spliceTail(r2, r1, c2, c1)
					if !pairComplete(g.m, n1) || !pairComplete(g.m, n2) {
						continue
					}
					cost1, aug1, ok := g.augRoute(v1, n1)
					if !ok {
						continue
					}
					cost2, aug2, ok := g.augRoute(v2, n2)
					if !ok {
						continue
					}
					if aug1+aug2-g.curAug(a, v1)-g.curAug(a, v2) < 0 {
						a.setRoute(v1, n1, cost1)
						a.setRoute(v2, n2, cost2)
						return true
					}
				}
			}
		}
	}
	return false
}

// spliceTail keeps head[:cut] and grafts donor[donorCut:] onto it.
func spliceTail(head, donor []int, cut, donorCut int) []int {
	out := make([]int, 0, cut+len(donor)-donorCut)
	out = append(out, head[:cut]...)
	return append(out, donor[donorCut:]...)
}

// pairComplete reports whether every job visit in the interior has its
// partner present on the correct side.
func pairComplete(m *model, interior []int) bool {
	pos := make(map[int]int, len(interior))
	for i, v := range interior {
		pos[v] = i
	}
	for i, vv := range interior {
		vis := m.visits[vv]
		if vis.kind == visitPickup {
			d, ok := pos[m.dropoff(vis.job)]
			if !ok || d < i {
				return false
			}
		} else {
			p, ok := pos[m.pickup(vis.job)]
			if !ok || p > i {
				return false
			}
		}
	}
	return true
}

// penalize bumps the penalty of the used edge with the highest utility
// cost/(1+penalty). Workers rotate which of the ranked edges they bump so
// parallel searches drift apart instead of duplicating work.
func (g *gls) penalize(a *assignment) {
	type scored struct {
		e edge
		c int64
		p int64
	}
	var list []scored
	for veh, r := range a.routes {
		seq := g.m.fullPath(veh, r)
		for i := 1; i < len(seq); i++ {
			e := edge{seq[i-1], seq[i]}
			c := g.m.transit(e.from, e.to)
			if c == 0 {
				continue
			}
			list = append(list, scored{e: e, c: c, p: g.penalty[e]})
		}
	}
	if len(list) == 0 {
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		// compare c/(1+p) without dividing
		return list[i].c*(1+list[j].p) > list[j].c*(1+list[i].p)
	})
	g.penalty[list[g.spin%len(list)].e]++
}

// lambdaFor scales the penalty weight to the incumbent's cost per edge.
func lambdaFor(a *assignment) int64 {
	edges := 0
	for _, r := range a.routes {
		edges += len(r) + 1
	}
	l := a.cost / int64(10*edges)
	if l < 1 {
		l = 1
	}
	return l
}

// improve runs guided local search from start until the deadline passes or
// the incumbent stops improving for cfg.StaleLimit iterations. Moves are
// accepted on first improvement of the augmented objective; at a local
// optimum the top-utility edge is penalized, and after cfg.PenaltyReset
// fruitless optima the penalties reset and the search restarts from the
// best assignment. report receives every strict true-cost improvement;
// pull fetches the shared best at restart points so parallel workers
// converge.
func improve(m *model, start *assignment, cfg Config, deadline time.Time, spin int, report func(*assignment, int), pull func() *assignment) (*assignment, improveStats) {
	g := &gls{m: m, penalty: map[edge]int64{}, spin: spin}
	cur := start.clone()
	best := start.clone()
	var st improveStats
	sinceImprove, optimaSinceBest := 0, 0
	for time.Now().Before(deadline) {
		st.iterations++
		moved := g.relocatePair(cur) || g.swapPairs(cur) || g.tailExchange(cur)
		if moved {
			if cur.cost < best.cost {
				best = cur.clone()
				st.improvements++
				sinceImprove, optimaSinceBest = 0, 0
				if report != nil {
					report(best, st.iterations)
				}
			} else {
				sinceImprove++
			}
		} else {
			if g.lambda == 0 {
				g.lambda = lambdaFor(cur)
			}
			g.penalize(cur)
			st.penaltyBumps++
			sinceImprove++
			optimaSinceBest++
			if optimaSinceBest >= cfg.PenaltyReset {
				g.penalty = map[edge]int64{}
				if pull != nil {
					if shared := pull(); shared != nil && shared.cost < best.cost {
						best = shared
					}
				}
				cur = best.clone()
				optimaSinceBest = 0
				st.restarts++
			}
		}
		if sinceImprove >= cfg.StaleLimit {
			break
		}
	}
	return best, st
}
