package routing

import (
	"container/heap"
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
)

// WalkGraphInput is the wire form of a pedestrian network: WGS84 nodes and
// undirected edges by node index.
type WalkGraphInput struct {
	Nodes [][2]float64 `json:"nodes"`
	Edges [][2]int     `json:"edges"`
}

type arc struct {
	to     int
	meters float64
}

// WalkGraph is an undirected sidewalk/crosswalk network with geodesic edge
// lengths in metres.
type WalkGraph struct {
	nodes []orb.Point
	adj   [][]arc
	snap  *spatial.PointIndex
}

// NewWalkGraph validates indices and precomputes edge lengths.
func NewWalkGraph(in WalkGraphInput) (*WalkGraph, error) {
	g := &WalkGraph{
		nodes: make([]orb.Point, len(in.Nodes)),
		adj:   make([][]arc, len(in.Nodes)),
	}
	pts := make([]spatial.Point, len(in.Nodes))
	for i, n := range in.Nodes {
		if math.IsNaN(n[0]) || math.IsNaN(n[1]) {
			return nil, fmt.Errorf("walking graph node %d has a non-finite coordinate", i)
		}
		g.nodes[i] = orb.Point{n[0], n[1]}
		pts[i] = spatial.Point{ID: strconv.Itoa(i), Loc: g.nodes[i]}
	}
	for _, e := range in.Edges {
		a, b := e[0], e[1]
		if a < 0 || b < 0 || a >= len(g.nodes) || b >= len(g.nodes) {
			return nil, fmt.Errorf("walking graph edge %v references a missing node", e)
		}
		if a == b {
			continue
		}
		d := geo.Distance(g.nodes[a], g.nodes[b])
		g.adj[a] = append(g.adj[a], arc{to: b, meters: d})
		g.adj[b] = append(g.adj[b], arc{to: a, meters: d})
	}
	g.snap = spatial.NewPointIndex(pts)
	return g, nil
}

func (g *WalkGraph) Len() int { return len(g.nodes) }

// nearestNode snaps p to the closest graph node. Distances are compared in
// degrees, which is adequate at walk-list scale.
func (g *WalkGraph) nearestNode(p orb.Point) (int, float64, bool) {
	hit, ok := g.snap.Nearest(p)
	if !ok {
		return 0, 0, false
	}
	i, _ := strconv.Atoi(hit.ID)
	return i, geo.Distance(p, g.nodes[i]), true
}

type pqItem struct {
	node int
	dist float64
}

type pq []pqItem

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x interface{}) { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// shortestFrom runs Dijkstra from src. Unreachable nodes stay +Inf.
func (g *WalkGraph) shortestFrom(src int) []float64 {
	dist := make([]float64, len(g.nodes))
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	dist[src] = 0
	q := &pq{{node: src}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(pqItem)
		if cur.dist > dist[cur.node] {
			continue
		}
		for _, a := range g.adj[cur.node] {
			nd := cur.dist + a.meters
			if nd < dist[a.to] {
				dist[a.to] = nd
				heap.Push(q, pqItem{node: a.to, dist: nd})
			}
		}
	}
	return dist
}

// distanceMatrix returns network distances between stops, including the snap
// legs at each end. ok is false when some pair is disconnected.
func (g *WalkGraph) distanceMatrix(stops []Stop) ([][]float64, bool) {
	n := len(stops)
	snapped := make([]int, n)
	offset := make([]float64, n)
	for i, s := range stops {
		node, d, ok := g.nearestNode(s.Location)
		if !ok {
			return nil, false
		}
		snapped[i], offset[i] = node, d
	}

	cache := map[int][]float64{}
	m := make([][]float64, n)
	for i := range stops {
		from, ok := cache[snapped[i]]
		if !ok {
			from = g.shortestFrom(snapped[i])
			cache[snapped[i]] = from
		}
		m[i] = make([]float64, n)
		for j := range stops {
			if i == j {
				continue
			}
			d := from[snapped[j]]
			if math.IsInf(d, 1) {
				return nil, false
			}
			m[i][j] = offset[i] + d + offset[j]
		}
	}
	return m, true
}
