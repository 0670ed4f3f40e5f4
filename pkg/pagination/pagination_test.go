package pagination

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContext_Defaults(t *testing.T) {
	p, err := FromContext(newContext("/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != DefaultPage {
		t.Errorf("expected default page %d, got %d", DefaultPage, p.Page)
	}
	if p.Size != DefaultSize {
		t.Errorf("expected default size %d, got %d", DefaultSize, p.Size)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p, err := FromContext(newContext("/?page=2&size=25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 2 || p.Size != 25 {
		t.Errorf("expected page 2 size 25, got %+v", p)
	}
	if p.Offset() != 50 {
		t.Errorf("expected offset 50, got %d", p.Offset())
	}
}

func TestFromContext_NotNumeric(t *testing.T) {
	if _, err := FromContext(newContext("/?page=abc")); !errors.Is(err, ErrInvalidPage) {
		t.Errorf("expected ErrInvalidPage, got %v", err)
	}
	if _, err := FromContext(newContext("/?size=ten")); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		p    Params
		want error
	}{
		{Params{Page: 0, Size: 10}, nil},
		{Params{Page: 5, Size: MaxSize}, nil},
		{Params{Page: -1, Size: 10}, ErrInvalidPage},
		{Params{Page: 0, Size: 0}, ErrInvalidSize},
		{Params{Page: 0, Size: MaxSize + 1}, ErrInvalidSize},
		{Params{Page: math.MaxInt/2 + 1, Size: 2}, ErrInvalidPage},
		{Params{Page: math.MaxInt / MaxSize, Size: MaxSize}, ErrInvalidPage},
		{Params{Page: math.MaxInt/MaxSize - 1, Size: MaxSize}, nil},
	}
	for _, tt := range tests {
		if err := tt.p.Validate(); !errors.Is(err, tt.want) {
			t.Errorf("Validate(%+v) = %v, want %v", tt.p, err, tt.want)
		}
	}
}

func TestNewPage_Metadata(t *testing.T) {
	first := NewPage(make([]int, 10), Params{Page: 0, Size: 10}, 25)
	if first.HasPrevious {
		t.Error("first page has no previous")
	}
	if !first.HasNext {
		t.Error("first page of 25 elements should have next")
	}
	if first.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", first.TotalPages)
	}

	last := NewPage(make([]int, 5), Params{Page: 2, Size: 10}, 25)
	if last.HasNext {
		t.Error("last page has no next")
	}
	if !last.HasPrevious {
		t.Error("last page should have previous")
	}
}

func TestNewPage_Empty(t *testing.T) {
	p := NewPage[string](nil, Default(), 0)
	if p.Content == nil || len(p.Content) != 0 {
		t.Errorf("expected empty, non-nil content, got %#v", p.Content)
	}
	if p.TotalPages != 0 || p.HasNext || p.HasPrevious {
		t.Errorf("unexpected metadata for empty page: %+v", p)
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	if got := Slice(items, Params{Page: 1, Size: 2}); len(got) != 2 || got[0] != 3 {
		t.Errorf("unexpected middle slice %v", got)
	}
	if got := Slice(items, Params{Page: 2, Size: 2}); len(got) != 1 || got[0] != 5 {
		t.Errorf("unexpected last slice %v", got)
	}
	if got := Slice(items, Params{Page: 3, Size: 2}); len(got) != 0 {
		t.Errorf("expected empty slice past the end, got %v", got)
	}
}

func TestSQL(t *testing.T) {
	p := Params{Page: 3, Size: 20}
	if got := p.SQL(); got != "LIMIT 20 OFFSET 60" {
		t.Errorf("unexpected SQL clause %q", got)
	}
}

func TestSlice_OutOfRangeParams(t *testing.T) {
	items := []int{1, 2, 3}
	if got := Slice(items, Params{Page: math.MaxInt/2 + 1, Size: 2}); len(got) != 0 {
		t.Errorf("expected empty window, got %v", got)
	}
	if got := Slice(items, Params{Page: 1, Size: 2}); len(got) != 1 || got[0] != 3 {
		t.Errorf("expected [3], got %v", got)
	}
}

func TestNewPage_MaxPageIndex(t *testing.T) {
	p := NewPage([]int{}, Params{Page: math.MaxInt, Size: 10}, 25)
	if p.HasNext {
		t.Error("a page past the end has no next page")
	}
	if !p.HasPrevious {
		t.Error("expected HasPrevious")
	}
}
