package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullRange(t *testing.T) {
	assert.Equal(t, Ranges{{Start: 0, End: 47}}, FullRange(1536*1024))
	assert.Equal(t, Ranges{{Start: 0, End: 0}}, FullRange(1))
	assert.Equal(t, Ranges{{Start: 0, End: 0}}, FullRange(32*1024))
	assert.Equal(t, Ranges{{Start: 0, End: 1}}, FullRange(32*1024+1))
}

func TestChunkArithmetic(t *testing.T) {
	assert.Equal(t, uint64(0), CacheChunkNumber(31))
	assert.Equal(t, uint64(1), CacheChunkNumber(32))
	assert.Equal(t, uint64(64), FirstChunkOfCacheChunk(2))
	assert.Equal(t, uint32(0), PartnerIntPath(0))
	assert.Equal(t, uint32(1), PartnerIntPath(32))
	assert.Equal(t, uint32(2), PartnerIntPath(64))
	assert.Equal(t, uint32(0), PartnerIntPath(96))
}

func TestCompact(t *testing.T) {
	cases := []struct {
		name     string
		in       Ranges
		expected Ranges
	}{
		{"empty", Ranges{}, Ranges{}},
		{"sorted disjoint", Ranges{{0, 1}, {5, 8}}, Ranges{{0, 1}, {5, 8}}},
		{"merge adjacent", Ranges{{0, 4}, {5, 8}}, Ranges{{0, 8}}},
		{"merge overlapping", Ranges{{0, 6}, {4, 8}}, Ranges{{0, 8}}},
		{"unsorted", Ranges{{10, 12}, {0, 3}}, Ranges{{0, 3}, {10, 12}}},
		{"drop inverted", Ranges{{5, 2}, {0, 1}}, Ranges{{0, 1}}},
		{"single inverted", Ranges{{9, 3}}, Ranges{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := tc.in.Clone()
			rs.Compact()
			assert.Equal(t, tc.expected, rs)
		})
	}
}

func TestAdd(t *testing.T) {
	cases := []struct {
		name     string
		in       Ranges
		add      Range
		expected Ranges
	}{
		{"into empty", Ranges{}, Range{3, 5}, Ranges{{3, 5}}},
		{"before all", Ranges{{10, 12}}, Range{0, 2}, Ranges{{0, 2}, {10, 12}}},
		{"after all", Ranges{{0, 2}}, Range{10, 12}, Ranges{{0, 2}, {10, 12}}},
		{"merge left", Ranges{{0, 4}}, Range{5, 8}, Ranges{{0, 8}}},
		{"merge right", Ranges{{5, 8}}, Range{0, 4}, Ranges{{0, 8}}},
		{"bridge two", Ranges{{0, 2}, {6, 8}}, Range{3, 5}, Ranges{{0, 8}}},
		{"absorb many", Ranges{{0, 1}, {3, 4}, {6, 7}, {20, 22}}, Range{2, 10}, Ranges{{0, 10}, {20, 22}}},
		{"contained", Ranges{{0, 10}}, Range{2, 5}, Ranges{{0, 10}}},
		{"same start longer", Ranges{{3, 5}, {9, 12}}, Range{3, 10}, Ranges{{3, 12}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := tc.in.Clone()
			rs.Add(tc.add)
			assert.Equal(t, tc.expected, rs)
		})
	}
}

func TestAddChunkKeepsCompacted(t *testing.T) {
	var rs Ranges
	for _, n := range []uint64{5, 3, 4, 10, 9, 0} {
		rs.AddChunk(n)
	}
	assert.Equal(t, Ranges{{0, 0}, {3, 5}, {9, 10}}, rs)
}

func TestDiff(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Ranges
		expected Ranges
	}{
		{"empty a", Ranges{}, Ranges{{0, 5}}, Ranges{}},
		{"empty b", Ranges{{0, 5}}, Ranges{}, Ranges{{0, 5}}},
		{"full overlap", Ranges{{0, 5}}, Ranges{{0, 5}}, Ranges{}},
		{"punch middle", Ranges{{0, 10}}, Ranges{{3, 5}}, Ranges{{0, 2}, {6, 10}}},
		{"trim edges", Ranges{{0, 10}}, Ranges{{0, 2}, {8, 10}}, Ranges{{3, 7}}},
		{"across entries", Ranges{{0, 3}, {6, 9}}, Ranges{{2, 7}}, Ranges{{0, 1}, {8, 9}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.a.Diff(tc.b))
		})
	}
}

func TestIntersection(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Ranges
		expected Ranges
	}{
		{"disjoint", Ranges{{0, 2}}, Ranges{{5, 8}}, Ranges{}},
		{"partial", Ranges{{0, 6}}, Ranges{{4, 10}}, Ranges{{4, 6}}},
		{"multi", Ranges{{0, 3}, {6, 9}}, Ranges{{2, 7}}, Ranges{{2, 3}, {6, 7}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.a.Intersection(tc.b))
		})
	}
}

// Diff and Intersection must partition: A.diff(B) ∩ B = ∅ and
// A = (A.diff(B)) ∪ (A ∩ B).
func TestDiffIntersectionPartition(t *testing.T) {
	a := Ranges{{0, 10}, {20, 35}, {50, 50}}
	b := Ranges{{5, 25}, {33, 60}}

	diff := a.Diff(b)
	assert.Empty(t, diff.Intersection(b))

	union := diff.Clone()
	for _, r := range a.Intersection(b) {
		union.Add(r)
	}
	assert.Equal(t, a, union)
}

func TestRemoveCacheChunk(t *testing.T) {
	// Ranges within cache chunks 0, 1 and 2 (factor 32).
	rs := Ranges{{0, 5}, {10, 20}, {32, 40}, {64, 70}}
	rs.RemoveCacheChunk(0)
	assert.Equal(t, Ranges{{32, 40}, {64, 70}}, rs)

	rs.RemoveCacheChunk(2)
	assert.Equal(t, Ranges{{32, 40}}, rs)

	rs.RemoveCacheChunk(5)
	assert.Equal(t, Ranges{{32, 40}}, rs)
}

func TestPromiseValidChunks(t *testing.T) {
	// Cache chunk 0 -> path 0, 1 -> 1, 2 -> 2, 3 -> 0.
	held := Ranges{{0, 127}}

	t.Run("restricts to partner path", func(t *testing.T) {
		var promised Ranges
		requested := Ranges{{0, 127}}
		out := requested.PromiseValidChunks(held, &promised, 1)
		assert.Equal(t, Ranges{{32, 63}}, out)
		assert.Equal(t, Ranges{{32, 63}}, promised)
	})

	t.Run("splits at cache chunk boundary", func(t *testing.T) {
		var promised Ranges
		requested := Ranges{{90, 100}}
		// Spans cache chunks 2 and 3; both on their own path.
		out := requested.PromiseValidChunks(held, &promised, 2)
		assert.Equal(t, Ranges{{90, 95}}, out)

		promised = nil
		out = requested.PromiseValidChunks(held, &promised, 0)
		assert.Equal(t, Ranges{{96, 100}}, out)
	})

	t.Run("appends to accumulator", func(t *testing.T) {
		promised := Ranges{{500, 510}}
		requested := Ranges{{0, 31}}
		requested.PromiseValidChunks(held, &promised, 0)
		assert.Equal(t, Ranges{{500, 510}, {0, 31}}, promised)
	})

	t.Run("empty inputs", func(t *testing.T) {
		var promised Ranges
		out := Ranges{}.PromiseValidChunks(held, &promised, 0)
		assert.Empty(t, out)
		assert.Empty(t, promised)
	})
}

// After promising, the promised ranges must be disjoint from what remains
// requested.
func TestPromiseDisjointness(t *testing.T) {
	held := Ranges{{0, 200}}
	requested := Ranges{{0, 150}}

	var promised Ranges
	out := requested.PromiseValidChunks(held, &promised, 1)
	require.NotEmpty(t, out)

	remaining := requested.Diff(promised)
	assert.Empty(t, remaining.Intersection(promised))
}

func TestMapPromised(t *testing.T) {
	promised := Ranges{{0, 10}, {32, 40}, {30, 35}}
	m := make(map[uint64]Ranges)
	promised.MapPromised(m)

	assert.Equal(t, Ranges{{0, 10}}, m[0])
	assert.Equal(t, Ranges{{32, 40}}, m[1])
	// {30, 35} straddles the boundary and is skipped.
	assert.Len(t, m, 2)
}

func TestHasAndFindChunk(t *testing.T) {
	rs := Ranges{{3, 5}, {9, 12}}

	assert.True(t, rs.HasChunk(4))
	assert.False(t, rs.HasChunk(6))

	r, ok := rs.FindChunkRange(10)
	require.True(t, ok)
	assert.Equal(t, Range{9, 12}, r)

	_, ok = rs.FindChunkRange(0)
	assert.False(t, ok)
}

func TestSearch(t *testing.T) {
	rs := Ranges{{3, 5}, {9, 12}, {20, 25}}

	assert.Equal(t, 1, rs.Search(9))
	assert.Equal(t, -1, rs.Search(0))
	assert.Equal(t, -2, rs.Search(4))
	assert.Equal(t, -4, rs.Search(30))
}

func TestTotalChunkCount(t *testing.T) {
	assert.Equal(t, uint64(0), Ranges{}.TotalChunkCount())
	assert.Equal(t, uint64(14), Ranges{{0, 9}, {20, 23}}.TotalChunkCount())
}
