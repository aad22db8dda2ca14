// Package paging slices ordered sequences into fixed-size pages with 1-based numbers.
// Only the window of the requested page is ever materialized.
package paging

import (
	"github.com/pkg/errors"
)

// Size is the page size used by all feeds
const Size = 10

// Sequence is an ordered, lazily evaluated list of items.
// Slice returns items in [start, end) and may return fewer if the sequence shrank.
type Sequence[T any] interface {
	Count() (int, error)
	Slice(start, end int) ([]T, error)
}

// Snapshotter is implemented by sequences able to pin Count and Slice to one consistent
// view of the underlying data. Paginate uses it, so a page never mixes two states.
type Snapshotter[T any] interface {
	Snapshot(fn func(seq Sequence[T]) error) error
}

// Page is a window over a sequence plus pagination metadata
type Page[T any] struct {
	Items       []T  `json:"items"`
	Number      int  `json:"page"`
	TotalPages  int  `json:"total_pages"`
	TotalCount  int  `json:"total_count"`
	HasPrevious bool `json:"has_previous"`
	HasNext     bool `json:"has_next"`

	Start int `json:"-"`
	End   int `json:"-"`
}

// Paginate returns page number of seq. Numbers below 1 are treated as 1,
// numbers beyond the last page give an empty page. Empty sequence has a single empty page.
func Paginate[T any](seq Sequence[T], size, number int) (Page[T], error) {
	if size < 1 {
		return Page[T]{}, errors.Errorf("invalid page size %d", size)
	}
	if number < 1 {
		number = 1
	}

	snap, ok := seq.(Snapshotter[T])
	if !ok {
		return paginate(seq, size, number)
	}
	var res Page[T]
	err := snap.Snapshot(func(s Sequence[T]) (e error) {
		res, e = paginate(s, size, number)
		return e
	})
	if err != nil {
		return Page[T]{}, err
	}
	return res, nil
}

func paginate[T any](seq Sequence[T], size, number int) (Page[T], error) {
	total, err := seq.Count()
	if err != nil {
		return Page[T]{}, errors.Wrap(err, "can't count items")
	}

	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}

	res := Page[T]{
		Items:       []T{},
		Number:      number,
		TotalPages:  pages,
		TotalCount:  total,
		HasPrevious: number > 1,
		HasNext:     number < pages,
	}

	if number > pages {
		res.Start, res.End = total, total
		return res, nil
	}

	res.Start = (number - 1) * size
	res.End = res.Start + size
	if res.End > total {
		res.End = total
	}
	if res.Start == res.End {
		return res, nil
	}

	items, err := seq.Slice(res.Start, res.End)
	if err != nil {
		return Page[T]{}, errors.Wrapf(err, "can't get items %d:%d", res.Start, res.End)
	}
	if items != nil {
		res.Items = items
	}
	return res, nil
}

// SliceSequence adapts an already materialized slice to Sequence
type SliceSequence[T any] []T

// Count returns number of items
func (s SliceSequence[T]) Count() (int, error) { return len(s), nil }

// Slice returns items in [start, end), clamped to slice bounds
func (s SliceSequence[T]) Slice(start, end int) ([]T, error) {
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return []T{}, nil
	}
	return s[start:end], nil
}
