// Package paging holds the page request/response shapes shared by the
// list endpoints.
package paging

import "math"

// Page is one slice of an ordered listing.
type Page[T any] struct {
	Data     []T `json:"data"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// HasNext reports whether another page follows this one.
func (p Page[T]) HasNext() bool {
	return p.Page*p.PageSize < p.Total
}

// Request selects a 1-based page of a given size.
type Request struct {
	Number int
	Size   int
}

// Normalize clamps the page number to >= 1 and applies defaultSize when no
// size was requested. The number is also capped so that Number*Size fits in
// an int.
func (r Request) Normalize(defaultSize int) Request {
	if r.Number < 1 {
		r.Number = 1
	}
	if r.Size < 1 {
		r.Size = defaultSize
	}
	if r.Size < 1 {
		r.Size = 20
	}
	if maxPage := math.MaxInt / r.Size; r.Number > maxPage {
		r.Number = maxPage
	}
	return r
}

// Offset is the number of items preceding the page.
func (r Request) Offset() int {
	return (r.Number - 1) * r.Size
}

// Slice pages through an already filtered and ordered slice.
func Slice[T any](items []T, r Request) Page[T] {
	total := len(items)
	start := r.Offset()
	if start < 0 || start > total {
		start = total
	}
	end := total
	if r.Size >= 0 && r.Size < total-start {
		end = start + r.Size
	}
	data := make([]T, end-start)
	copy(data, items[start:end])
	return Page[T]{Data: data, Page: r.Number, PageSize: r.Size, Total: total}
}

// Map converts the items of a page, keeping its position.
func Map[T, U any](p Page[T], fn func(T) U) Page[U] {
	out := Page[U]{Data: make([]U, len(p.Data)), Page: p.Page, PageSize: p.PageSize, Total: p.Total}
	for i, v := range p.Data {
		out.Data[i] = fn(v)
	}
	return out
}
