// Package index provides exact nearest-neighbor search over unit-length
// embeddings ranked by inner product.
package index

import (
	"container/heap"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/embed"
	"github.com/sells-group/catalog-match/internal/model"
)

// Kinds of index.
const (
	KindFlat   = "flat"
	KindVPTree = "vptree"
)

// Hit is a search result. ID is the position of the vector in the slice
// passed to Build.
type Hit struct {
	ID    int
	Score float64
}

// Index answers top-k inner-product queries. Implementations are safe for
// concurrent Search calls once built.
type Index interface {
	// Search returns at most k hits with Score >= floor, ordered by
	// descending score and then ascending ID.
	Search(q []float32, k int, floor float64) []Hit
	Len() int
	Dimensions() int
}

// Build constructs an index of the given kind over vecs. It fails with
// model.ErrIndexBuild when vectors disagree in length or hold non-finite or
// zero-norm values.
func Build(kind string, vecs [][]float32) (Index, error) {
	dims, norms, err := check(vecs)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindFlat:
		return &Flat{vecs: vecs, dims: dims}, nil
	case KindVPTree, "":
		return newVPTree(vecs, norms, dims), nil
	default:
		return nil, eris.Wrapf(model.ErrIndexBuild, "index: unknown kind %q", kind)
	}
}

func check(vecs [][]float32) (int, []float64, error) {
	if len(vecs) == 0 {
		return 0, nil, nil
	}
	dims := len(vecs[0])
	if dims == 0 {
		return 0, nil, eris.Wrap(model.ErrIndexBuild, "index: zero-length vectors")
	}
	norms := make([]float64, len(vecs))
	for i, v := range vecs {
		if len(v) != dims {
			return 0, nil, eris.Wrapf(model.ErrIndexBuild, "index: vector %d has %d dimensions, want %d", i, len(v), dims)
		}
		var sum float64
		for _, x := range v {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return 0, nil, eris.Wrapf(model.ErrIndexBuild, "index: vector %d has non-finite values", i)
			}
			sum += f * f
		}
		if sum == 0 {
			return 0, nil, eris.Wrapf(model.ErrIndexBuild, "index: vector %d has zero norm", i)
		}
		norms[i] = math.Sqrt(sum)
	}
	return dims, norms, nil
}

// Flat scans every vector. It is exact and serves as the reference for VPTree.
type Flat struct {
	vecs [][]float32
	dims int
}

// Len implements Index.
func (f *Flat) Len() int { return len(f.vecs) }

// Dimensions implements Index.
func (f *Flat) Dimensions() int { return f.dims }

// Search implements Index.
func (f *Flat) Search(q []float32, k int, floor float64) []Hit {
	if k <= 0 || len(q) != f.dims {
		return nil
	}
	top := newTopK(k)
	for id, v := range f.vecs {
		s := embed.Similarity(q, v)
		if s >= floor {
			top.offer(Hit{ID: id, Score: s})
		}
	}
	return top.sorted()
}

// worse orders hits so that lower scores, and among equal scores later IDs,
// come first.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// topK keeps the best k hits in a min-heap whose root is the worst kept hit.
type topK struct {
	k    int
	hits hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, hits: make(hitHeap, 0, k)}
}

func (t *topK) full() bool { return len(t.hits) == t.k }

// worst returns the root; only valid when the heap is non-empty.
func (t *topK) worst() Hit { return t.hits[0] }

func (t *topK) offer(h Hit) {
	if !t.full() {
		heap.Push(&t.hits, h)
		return
	}
	if worse(t.hits[0], h) {
		t.hits[0] = h
		heap.Fix(&t.hits, 0)
	}
}

// sorted drains the heap best first.
func (t *topK) sorted() []Hit {
	if len(t.hits) == 0 {
		return nil
	}
	out := make([]Hit, len(t.hits))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.hits).(Hit)
	}
	return out
}

type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
