package candidate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-match/internal/embed"
	"github.com/sells-group/catalog-match/internal/index"
	"github.com/sells-group/catalog-match/internal/model"
)

// at returns a unit vector in the plane at the given cosine to (1, 0).
func at(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func rec(id string, v []float32) model.NormalizedRecord {
	return model.NormalizedRecord{NativeID: id, TitleNormalized: id, Embedding: v}
}

func TestGenerate_FloorAndOrdering(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", []float32{1, 0})}
	b := []model.NormalizedRecord{
		rec("b-070", at(0.70)),
		rec("b-080", at(0.80)),
		rec("b-095", at(0.95)),
		rec("b-088", at(0.88)),
		rec("b-074", at(0.7499)),
	}

	for _, kind := range []string{index.KindFlat, index.KindVPTree} {
		t.Run(kind, func(t *testing.T) {
			g := New(Options{K: 5, MinSimilarity: 0.75, IndexKind: kind})
			got, err := g.Generate(context.Background(), a, b)
			require.NoError(t, err)

			require.Len(t, got, 3)
			assert.Equal(t, []string{"b-095", "b-088", "b-080"},
				[]string{got[0].BNativeID, got[1].BNativeID, got[2].BNativeID})
			for i, c := range got {
				assert.Equal(t, "a1", c.ANativeID)
				assert.Equal(t, i+1, c.Rank)
				assert.GreaterOrEqual(t, c.TitleSimilarity, 0.75)
			}
			assert.InDelta(t, 0.80, got[2].TitleSimilarity, 1e-6)
		})
	}
}

func TestGenerate_TopK(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", []float32{1, 0}), rec("a2", []float32{0, 1})}
	var b []model.NormalizedRecord
	for i, c := range []float64{0.99, 0.98, 0.97, 0.96, 0.95, 0.94, 0.93} {
		b = append(b, rec(string(rune('p'+i)), at(c)))
	}

	g := New(Options{K: 2, MinSimilarity: 0.75})
	got, err := g.Generate(context.Background(), a, b)
	require.NoError(t, err)

	// Every B vector is far from a2, so only a1 gets candidates, capped at K.
	var forA1 int
	for _, c := range got {
		if c.ANativeID == "a1" {
			forA1++
		}
	}
	assert.Equal(t, 2, forA1)
	assert.Equal(t, "p", got[0].BNativeID)
	assert.Equal(t, "q", got[1].BNativeID)
}

func TestGenerate_SameBForManyA(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", at(0.99)), rec("a2", at(0.98))}
	b := []model.NormalizedRecord{rec("b1", []float32{1, 0})}

	got, err := New(Options{K: 5, MinSimilarity: 0.75}).Generate(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].BNativeID)
	assert.Equal(t, "b1", got[1].BNativeID)
}

func TestGenerate_SimilarityBelowFloorProducesNothing(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", []float32{1, 0})}
	b := []model.NormalizedRecord{rec("b1", at(0.70))}

	got, err := New(Options{K: 5, MinSimilarity: 0.75}).Generate(context.Background(), a, b)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenerate_IndexBuildFailure(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", []float32{1, 0})}
	b := []model.NormalizedRecord{rec("b1", []float32{1, 0}), rec("b2", []float32{1, 0, 0})}

	_, err := New(Options{}).Generate(context.Background(), a, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrIndexBuild))
}

func TestGenerate_DimensionMismatchAcrossCatalogs(t *testing.T) {
	a := []model.NormalizedRecord{rec("a1", []float32{1, 0, 0})}
	b := []model.NormalizedRecord{rec("b1", []float32{1, 0})}

	_, err := New(Options{}).Generate(context.Background(), a, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrIndexBuild))
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := []model.NormalizedRecord{rec("a1", []float32{1, 0})}
	b := []model.NormalizedRecord{rec("b1", []float32{1, 0})}
	_, err := New(Options{}).Generate(ctx, a, b)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGenerate_HashEmbeddings(t *testing.T) {
	h := embed.NewHashEmbedder(256)
	titles := []string{"de revolutionibus orbium coelestium", "theologia platonica", "il principe"}
	vecs, err := h.Embed(context.Background(), titles)
	require.NoError(t, err)

	a := []model.NormalizedRecord{rec("a1", vecs[0])}
	b := []model.NormalizedRecord{rec("b1", vecs[1]), rec("b2", vecs[0]), rec("b3", vecs[2])}

	got, err := New(Options{K: 5, MinSimilarity: 0.75}).Generate(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].BNativeID)
	assert.InDelta(t, 1.0, got[0].TitleSimilarity, 1e-5)
}
