package compliance

import (
	"math"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/EmpoweredVote/EV-Districts/internal/geometry"
	"github.com/EmpoweredVote/EV-Districts/internal/spatial"
)

// adjacencyTolerance scales with the extent so projected metres and test
// fixtures in unit space both work.
func adjacencyTolerance(b orb.Bound) float64 {
	extent := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	return math.Max(1e-9, 1e-7*extent)
}

// components counts connected parts of a district. Nodes are its census blocks
// when present, otherwise its member polygons.
func components(d DistrictInput) int {
	if len(d.Blocks) > 0 {
		return countComponents(blockGraph(d.Blocks))
	}
	polys := d.Geometry.Polygons()
	nodes := make([]node, 0, len(polys))
	for i, p := range polys {
		if len(p) == 0 {
			continue
		}
		nodes = append(nodes, node{id: "part-" + strconv.Itoa(i), geom: geometry.NewPolygon(p)})
	}
	return countComponents(geometricGraph(nodes))
}

type node struct {
	id   string
	geom geometry.Geometry
}

// graph is an adjacency list keyed by node id.
type graph map[string]map[string]struct{}

func (g graph) add(id string) {
	if _, ok := g[id]; !ok {
		g[id] = map[string]struct{}{}
	}
}

func (g graph) link(a, b string) {
	if a == b {
		return
	}
	g.add(a)
	g.add(b)
	g[a][b] = struct{}{}
	g[b][a] = struct{}{}
}

// blockGraph links blocks through their declared neighbour lists. Blocks that
// declare none fall back to shared boundaries with every other block.
func blockGraph(blocks []Block) graph {
	g := graph{}
	members := make(map[string]bool, len(blocks))
	implicit := make(map[string]bool)
	nodes := make([]node, len(blocks))
	for i, b := range blocks {
		members[b.ID] = true
		if b.Neighbors == nil {
			implicit[b.ID] = true
		}
		nodes[i] = node{id: b.ID, geom: b.Geometry}
		g.add(b.ID)
	}
	for _, b := range blocks {
		for _, n := range b.Neighbors {
			// neighbours outside the district do not connect it
			if members[n] {
				g.link(b.ID, n)
			}
		}
	}
	if len(implicit) == 0 {
		return g
	}
	for a, adj := range geometricGraph(nodes) {
		for b := range adj {
			if implicit[a] || implicit[b] {
				g.link(a, b)
			}
		}
	}
	return g
}

// geometricGraph links nodes whose boundaries share a segment. An rtree pass
// narrows each node to envelope candidates first.
func geometricGraph(nodes []node) graph {
	g := graph{}
	if len(nodes) == 0 {
		return g
	}
	entries := make([]spatial.Entry, 0, len(nodes))
	byID := make(map[string]geometry.Geometry, len(nodes))
	bound := nodes[0].geom.Bound()
	for _, n := range nodes {
		g.add(n.id)
		if n.geom.IsEmpty() {
			continue
		}
		entries = append(entries, spatial.Entry{ID: n.id, Geometry: n.geom})
		byID[n.id] = n.geom
		bound = bound.Union(n.geom.Bound())
	}
	tol := adjacencyTolerance(bound)
	ix := spatial.Build(entries)
	for _, n := range nodes {
		if n.geom.IsEmpty() {
			continue
		}
		for _, c := range ix.Candidates(n.geom.Bound().Pad(tol)) {
			if c <= n.id {
				continue
			}
			if geometry.SharesBoundary(n.geom, byID[c], tol) || geometry.Overlaps(n.geom, byID[c]) {
				g.link(n.id, c)
			}
		}
	}
	return g
}

// countComponents runs BFS from every unvisited node.
func countComponents(g graph) int {
	seen := make(map[string]bool, len(g))
	n := 0
	for start := range g {
		if seen[start] {
			continue
		}
		n++
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for next := range g[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return n
}

type overlapPair struct{ a, b string }

// overlappingDistricts returns every pair of districts whose interiors meet,
// each pair once with a < b.
func overlappingDistricts(ds []DistrictInput) []overlapPair {
	entries := make([]spatial.Entry, 0, len(ds))
	for _, d := range ds {
		entries = append(entries, spatial.Entry{ID: d.ID, Geometry: d.Geometry})
	}
	ix := spatial.Build(entries)
	var out []overlapPair
	for _, d := range ds {
		for _, other := range ix.Intersecting(d.Geometry, d.ID) {
			if d.ID < other {
				out = append(out, overlapPair{d.ID, other})
			}
		}
	}
	return out
}
