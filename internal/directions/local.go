package directions

import (
	"context"
	"math"
	"time"

	"crewtrack/internal/geo"
	"crewtrack/internal/metrics"
)

const localProvider = "local"

// LocalPlanner orders waypoints without a network provider: a nearest-neighbour
// seed improved by 2-opt over great-circle distances. Durations assume a
// constant average speed.
type LocalPlanner struct {
	SpeedKph   float64
	Iterations int
}

func NewLocalPlanner(speedKph float64) *LocalPlanner {
	if speedKph <= 0 {
		speedKph = 40
	}
	return &LocalPlanner{SpeedKph: speedKph, Iterations: 50}
}

func (p *LocalPlanner) Route(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.DirectionsLatency.WithLabelValues(localProvider).Observe(time.Since(start).Seconds())
		metrics.DirectionsRequests.WithLabelValues(localProvider, StatusOf(err)).Inc()
	}()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.Mode != "" && req.Mode != ModeDriving && req.Mode != ModeWalking {
		return Result{}, &StatusError{Status: StatusInvalidRequest, Message: "unsupported travel mode " + string(req.Mode)}
	}

	// nodes: 0 origin, 1..n waypoints, n+1 destination
	n := len(req.Waypoints)
	nodes := make([]geo.Point, 0, n+2)
	nodes = append(nodes, req.Origin)
	nodes = append(nodes, req.Waypoints...)
	nodes = append(nodes, req.Destination)

	tour := make([]int, 0, n+2)
	tour = append(tour, 0)
	if req.Optimize {
		tour = append(tour, nearestNeighbour(nodes, n)...)
	} else {
		for i := 1; i <= n; i++ {
			tour = append(tour, i)
		}
	}
	tour = append(tour, n+1)
	if req.Optimize {
		tour = improve2Opt(ctx, nodes, tour, p.Iterations)
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	res = Result{Status: StatusOK, WaypointOrder: make([]int, 0, n)}
	for _, idx := range tour[1 : len(tour)-1] {
		res.WaypointOrder = append(res.WaypointOrder, idx-1)
	}
	mps := p.SpeedKph * 1000 / 3600
	for i := 0; i < len(tour)-1; i++ {
		a, b := nodes[tour[i]], nodes[tour[i+1]]
		d := geo.DistanceMeters(a, b)
		res.Legs = append(res.Legs, Leg{
			StartAddress:    latLng(a),
			EndAddress:      latLng(b),
			EndLocation:     b,
			DistanceMeters:  int(math.Round(d)),
			DurationSeconds: int(math.Round(d / mps)),
		})
	}
	res.sumLegs()
	return res, nil
}

// nearestNeighbour returns waypoint node indexes (1..n) greedily from the origin.
func nearestNeighbour(nodes []geo.Point, n int) []int {
	visited := make([]bool, n+1)
	out := make([]int, 0, n)
	cur := 0
	for len(out) < n {
		best, bestD := -1, math.Inf(1)
		for i := 1; i <= n; i++ {
			if visited[i] {
				continue
			}
			if d := geo.DistanceMeters(nodes[cur], nodes[i]); d < bestD {
				best, bestD = i, d
			}
		}
		visited[best] = true
		out = append(out, best)
		cur = best
	}
	return out
}

// improve2Opt reverses inner segments while that shortens the path. The first
// and last entries stay fixed.
func improve2Opt(ctx context.Context, nodes []geo.Point, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := pathMeters(nodes, best)
	n := len(order)
	for it := 0; it < iterations && ctx.Err() == nil; it++ {
		improved := false
		for i := 1; i < n-2; i++ {
			for k := i + 1; k < n-1; k++ {
				cand := reverseSegment(best, i, k)
				if d := pathMeters(nodes, cand); d+1e-3 < bestDist {
					best, bestDist = cand, d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func reverseSegment(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func pathMeters(nodes []geo.Point, order []int) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		total += geo.DistanceMeters(nodes[order[i]], nodes[order[i+1]])
	}
	return total
}
