package index

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/sells-group/catalog-match/internal/embed"
)

const (
	leafSize = 16
	// pruneSlack widens the search radius to absorb the gap between ranking
	// by raw inner product and pruning by exact angle when stored vectors are
	// only approximately unit length.
	pruneSlack = 5e-3
)

// VPTree is a vantage-point tree over angular distance arccos(a·b). Angular
// distance is a metric on the unit sphere, so triangle-inequality pruning is
// exact; ranking uses the same inner product as Flat, giving identical
// results.
type VPTree struct {
	vecs  [][]float32
	norms []float64
	dims  int
	root  *vpNode
}

type vpNode struct {
	vp     int
	mu     float64
	inside *vpNode
	// outside holds points with distance >= mu.
	outside *vpNode
	bucket  []int
}

func newVPTree(vecs [][]float32, norms []float64, dims int) *VPTree {
	t := &VPTree{vecs: vecs, norms: norms, dims: dims}
	if len(vecs) == 0 {
		return t
	}
	ids := make([]int, len(vecs))
	for i := range ids {
		ids[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(len(vecs)), uint64(dims)))
	dist := make([]float64, len(vecs))
	t.root = t.build(ids, dist, rng)
	return t
}

// Len implements Index.
func (t *VPTree) Len() int { return len(t.vecs) }

// Dimensions implements Index.
func (t *VPTree) Dimensions() int { return t.dims }

func (t *VPTree) build(ids []int, dist []float64, rng *rand.Rand) *vpNode {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) <= leafSize {
		return &vpNode{vp: -1, bucket: slices.Clone(ids)}
	}

	pick := rng.IntN(len(ids))
	ids[0], ids[pick] = ids[pick], ids[0]
	vp := ids[0]
	rest := ids[1:]

	for _, id := range rest {
		dist[id] = t.angle(t.vecs[vp], t.norms[vp], t.vecs[id], t.norms[id])
	}
	slices.SortFunc(rest, func(a, b int) int {
		switch {
		case dist[a] < dist[b]:
			return -1
		case dist[a] > dist[b]:
			return 1
		}
		return a - b
	})

	mid := len(rest) / 2
	node := &vpNode{vp: vp, mu: dist[rest[mid]]}
	node.inside = t.build(rest[:mid], dist, rng)
	node.outside = t.build(rest[mid:], dist, rng)
	return node
}

// angle is the exact angle between the directions of a and b.
func (t *VPTree) angle(a []float32, na float64, b []float32, nb float64) float64 {
	c := embed.Dot(a, b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// Search implements Index.
func (t *VPTree) Search(q []float32, k int, floor float64) []Hit {
	if k <= 0 || len(q) != t.dims || t.root == nil {
		return nil
	}
	var nq float64
	for _, x := range q {
		nq += float64(x) * float64(x)
	}
	nq = math.Sqrt(nq)
	if nq == 0 {
		return nil
	}

	s := &vpSearch{
		t:     t,
		q:     q,
		nq:    nq,
		floor: floor,
		top:   newTopK(k),
		limit: radius(floor),
	}
	s.visit(t.root)
	return s.top.sorted()
}

type vpSearch struct {
	t     *VPTree
	q     []float32
	nq    float64
	floor float64
	top   *topK
	limit float64
}

// radius converts a score bound into an angular search radius. Scores are
// clamped at zero, so a bound of zero or less admits every point.
func radius(score float64) float64 {
	if score <= 0 {
		return math.Inf(1)
	}
	return math.Acos(math.Min(1, score)) + pruneSlack
}

// tau is the current search radius.
func (s *vpSearch) tau() float64 {
	if !s.top.full() {
		return s.limit
	}
	return math.Min(s.limit, radius(s.top.worst().Score))
}

func (s *vpSearch) consider(id int) {
	score := embed.Similarity(s.q, s.t.vecs[id])
	if score >= s.floor {
		s.top.offer(Hit{ID: id, Score: score})
	}
}

func (s *vpSearch) visit(n *vpNode) {
	if n == nil {
		return
	}
	if n.bucket != nil {
		for _, id := range n.bucket {
			s.consider(id)
		}
		return
	}

	d := s.t.angle(s.q, s.nq, s.t.vecs[n.vp], s.t.norms[n.vp])
	s.consider(n.vp)

	if d < n.mu {
		s.visit(n.inside)
		if d+s.tau() >= n.mu {
			s.visit(n.outside)
		}
		return
	}
	s.visit(n.outside)
	if d-s.tau() <= n.mu {
		s.visit(n.inside)
	}
}
