package paging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqOf(n int) SliceSequence[int] {
	res := make(SliceSequence[int], n)
	for i := range res {
		res[i] = i
	}
	return res
}

func TestPaginate(t *testing.T) {
	tbl := []struct {
		name             string
		total, number    int
		items            []int
		pages            int
		hasPrev, hasNext bool
		start, end       int
	}{
		{name: "first of two", total: 13, number: 1, items: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
			pages: 2, hasNext: true, start: 0, end: 10},
		{name: "second of two", total: 13, number: 2, items: []int{10, 11, 12}, pages: 2, hasPrev: true, start: 10, end: 13},
		{name: "beyond last", total: 13, number: 3, items: []int{}, pages: 2, hasPrev: true, start: 13, end: 13},
		{name: "zero clamps to first", total: 3, number: 0, items: []int{0, 1, 2}, pages: 1, start: 0, end: 3},
		{name: "negative clamps to first", total: 3, number: -5, items: []int{0, 1, 2}, pages: 1, start: 0, end: 3},
		{name: "empty", total: 0, number: 1, items: []int{}, pages: 1},
		{name: "exact", total: 20, number: 2, items: []int{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, pages: 2,
			hasPrev: true, start: 10, end: 20},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			page, err := Paginate[int](seqOf(tt.total), Size, tt.number)
			require.NoError(t, err)
			assert.Equal(t, tt.items, page.Items)
			assert.Equal(t, tt.pages, page.TotalPages)
			assert.Equal(t, tt.total, page.TotalCount)
			assert.Equal(t, tt.hasPrev, page.HasPrevious)
			assert.Equal(t, tt.hasNext, page.HasNext)
			assert.Equal(t, tt.start, page.Start)
			assert.Equal(t, tt.end, page.End)
		})
	}
}

func TestPaginate_Completeness(t *testing.T) {
	for _, n := range []int{1, 9, 10, 11, 25, 100} {
		seq := seqOf(n)
		var all []int
		pages := (n + Size - 1) / Size
		for p := 1; p <= pages; p++ {
			page, err := Paginate[int](seq, Size, p)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Items), Size)
			all = append(all, page.Items...)
		}
		assert.Equal(t, []int(seq), all, "n=%d", n)
	}
}

type countingSeq struct {
	SliceSequence[int]
	requested int
}

func (c *countingSeq) Slice(start, end int) ([]int, error) {
	c.requested += end - start
	return c.SliceSequence.Slice(start, end)
}

func TestPaginate_MaterializesSinglePage(t *testing.T) {
	seq := &countingSeq{SliceSequence: seqOf(1000)}
	_, err := Paginate[int](seq, Size, 50)
	require.NoError(t, err)
	assert.Equal(t, Size, seq.requested)

	seq.requested = 0
	_, err = Paginate[int](seq, Size, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, seq.requested, "out of range page should not touch items")
}

type failingSeq struct{ countErr, sliceErr error }

func (f failingSeq) Count() (int, error)             { return 5, f.countErr }
func (f failingSeq) Slice(int, int) ([]string, error) { return nil, f.sliceErr }

func TestPaginate_Errors(t *testing.T) {
	_, err := Paginate[string](failingSeq{countErr: errors.New("boom")}, Size, 1)
	assert.EqualError(t, err, "can't count items: boom")

	_, err = Paginate[string](failingSeq{sliceErr: errors.New("bad")}, Size, 1)
	assert.EqualError(t, err, "can't get items 0:5: bad")

	_, err = Paginate[string](failingSeq{}, 0, 1)
	assert.Error(t, err)
}

// shiftingSeq grows by one item on every direct call, snapshot view stays put
type shiftingSeq struct {
	items     SliceSequence[int]
	snapshots int
}

func (s *shiftingSeq) Count() (int, error) {
	s.items = append(s.items, len(s.items))
	return len(s.items), nil
}

func (s *shiftingSeq) Slice(start, end int) ([]int, error) {
	s.items = append(s.items, len(s.items))
	return s.items.Slice(start, end)
}

func (s *shiftingSeq) Snapshot(fn func(seq Sequence[int]) error) error {
	s.snapshots++
	return fn(append(SliceSequence[int]{}, s.items...))
}

func TestPaginate_Snapshot(t *testing.T) {
	seq := &shiftingSeq{items: seqOf(15)}
	page, err := Paginate[int](seq, Size, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.snapshots)
	assert.Equal(t, 15, page.TotalCount)
	assert.Equal(t, []int{10, 11, 12, 13, 14}, page.Items)
	assert.False(t, page.HasNext)
	assert.Len(t, seq.items, 15, "direct calls bypassed")

	snapErr := &failingSnapshot{err: errors.New("tx failed")}
	_, err = Paginate[int](snapErr, Size, 1)
	assert.EqualError(t, err, "tx failed")
}

type failingSnapshot struct {
	SliceSequence[int]
	err error
}

func (f *failingSnapshot) Snapshot(func(seq Sequence[int]) error) error { return f.err }
