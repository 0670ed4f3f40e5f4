package pagination

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPage = 0
	DefaultSize = 10
	MaxSize     = 100
)

var (
	ErrInvalidPage = errors.New("page index must not be less than zero or past the addressable range")
	ErrInvalidSize = fmt.Errorf("page size must be between 1 and %d", MaxSize)
)

// Params is a zero-based page request.
type Params struct {
	Page int
	Size int
}

// Default returns the first page with the default size.
func Default() Params {
	return Params{Page: DefaultPage, Size: DefaultSize}
}

// FromContext extracts page and size query parameters from the echo context.
// Missing values fall back to the defaults; values that are present but not
// integers are reported rather than silently replaced.
func FromContext(c echo.Context) (Params, error) {
	p := Default()
	if v := c.QueryParam("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, ErrInvalidPage
		}
		p.Page = n
	}
	if v := c.QueryParam("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, ErrInvalidSize
		}
		p.Size = n
	}
	return p, nil
}

// Validate checks the page index and size bounds. The end of the requested
// window, (Page+1)*Size, must fit in an int.
func (p Params) Validate() error {
	if p.Page < 0 {
		return ErrInvalidPage
	}
	if p.Size < 1 || p.Size > MaxSize {
		return ErrInvalidSize
	}
	if p.Page > math.MaxInt/p.Size-1 {
		return ErrInvalidPage
	}
	return nil
}

// Offset returns the number of rows to skip.
func (p Params) Offset() int {
	return p.Page * p.Size
}

// Limit returns the number of rows to take.
func (p Params) Limit() int {
	return p.Size
}

// SQL returns the LIMIT and OFFSET clause for SQL queries.
func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit(), p.Offset())
}

// Page is a bounded slice of a larger collection plus its position.
type Page[T any] struct {
	Content       []T  `json:"content"`
	Number        int  `json:"number"`
	Size          int  `json:"size"`
	TotalElements int  `json:"totalElements"`
	TotalPages    int  `json:"totalPages"`
	HasNext       bool `json:"hasNext"`
	HasPrevious   bool `json:"hasPrevious"`
}

// NewPage computes the page metadata for content fetched with p out of
// total matching elements.
func NewPage[T any](content []T, p Params, total int) *Page[T] {
	if content == nil {
		content = []T{}
	}
	pages := 0
	if p.Size > 0 {
		pages = (total + p.Size - 1) / p.Size
	}
	return &Page[T]{
		Content:       content,
		Number:        p.Page,
		Size:          p.Size,
		TotalElements: total,
		TotalPages:    pages,
		HasNext:       p.Page < pages-1,
		HasPrevious:   p.Page > 0,
	}
}

// Slice returns the window of items selected by p. In-memory stores use it
// to page over already filtered, ordered results.
func Slice[T any](items []T, p Params) []T {
	if p.Validate() != nil {
		return []T{}
	}
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit()
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
