package filters

import (
	"errors"
	"testing"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

// setHeaderFilter sets name: value on every message it sees.
type setHeaderFilter struct {
	name, value string
}

func (f *setHeaderFilter) FilterHeaders(h *header.Header, ctx *message.ProxyContext) error {
	h.Set(f.name, f.value)
	return nil
}

// shortCircuitFilter always short-circuits with a fixed status.
type shortCircuitFilter struct{ status int }

func (f *shortCircuitFilter) FilterHeaders(h *header.Header, ctx *message.ProxyContext) error {
	ctx.ShortCircuit(message.NewResponse(f.status, "", "HTTP/1.1"), nil)
	return nil
}

type panicHeaderFilter struct{}

func (panicHeaderFilter) FilterHeaders(h *header.Header, ctx *message.ProxyContext) error {
	panic("boom")
}

func newCtx() *message.ProxyContext {
	ctx := message.NewProxyContext("peer")
	ctx.Request = message.NewRequest(message.MethodGet, &message.URI{Scheme: "http", Authority: "a.b", Path: "/"}, "HTTP/1.1")
	return ctx
}

func TestHeaderFilterStackRunsSelectedFiltersInOrder(t *testing.T) {
	s := &HeaderFilterStack{}
	s.Push(HeaderEntry{Predicate: AlwaysMatch(), Filter: &setHeaderFilter{"X-A", "1"}})
	s.Push(HeaderEntry{Predicate: AlwaysMatch(), Filter: &setHeaderFilter{"X-B", "2"}})

	ctx := newCtx()
	h := header.New()
	if err := s.Run(h, ctx); err != nil {
		t.Fatalf("Run error: %s", err)
	}
	if h.Get("X-A") != "1" || h.Get("X-B") != "2" {
		t.Fatalf("expected both headers set, got %v", h.Names())
	}
}

func TestHeaderFilterStackSkipsUnmatchedPredicate(t *testing.T) {
	never, err := NewPredicate(PredicateConfig{Method: "DELETE"}, nil)
	if err != nil {
		t.Fatalf("NewPredicate error: %s", err)
	}
	s := &HeaderFilterStack{}
	s.Push(HeaderEntry{Predicate: never, Filter: &setHeaderFilter{"X-A", "1"}})

	ctx := newCtx() // GET request
	h := header.New()
	if err := s.Run(h, ctx); err != nil {
		t.Fatalf("Run error: %s", err)
	}
	if h.Has("X-A") {
		t.Fatal("filter with unmatched predicate should not have run")
	}
}

func TestHeaderFilterStackStopsAfterShortCircuit(t *testing.T) {
	s := &HeaderFilterStack{}
	s.Push(HeaderEntry{Predicate: AlwaysMatch(), Filter: &shortCircuitFilter{403}})
	s.Push(HeaderEntry{Predicate: AlwaysMatch(), Filter: &setHeaderFilter{"X-Never", "1"}})

	ctx := newCtx()
	h := header.New()
	if err := s.Run(h, ctx); err != nil {
		t.Fatalf("Run error: %s", err)
	}
	if h.Has("X-Never") {
		t.Fatal("filter after short-circuit should not have run")
	}
	if !ctx.ShortCircuited() || ctx.Response.Status != 403 {
		t.Fatalf("expected short-circuited 403 response, got %+v", ctx.Response)
	}
}

func TestHeaderFilterStackRecoversPanic(t *testing.T) {
	s := &HeaderFilterStack{}
	s.Push(HeaderEntry{Predicate: AlwaysMatch(), Filter: panicHeaderFilter{}})

	ctx := newCtx()
	h := header.New()
	err := s.Run(h, ctx)
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

// upperBodyFilter uppercases its chunk and holds nothing back in carry;
// carry plumbing is exercised by heldBodyFilter below.
type upperBodyFilter struct{}

func (upperBodyFilter) FilterBody(data []byte, ctx *message.ProxyContext, carry *[]byte, isLast bool) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 'a' && b <= 'z' {
			b -= 32
		}
		out[i] = b
	}
	return out, nil
}

// heldBodyFilter always holds back the last byte of any non-final
// chunk into carry, and flushes everything (including carry) on the
// final chunk.
type heldBodyFilter struct{}

func (heldBodyFilter) FilterBody(data []byte, ctx *message.ProxyContext, carry *[]byte, isLast bool) ([]byte, error) {
	if isLast {
		return data, nil
	}
	if len(data) == 0 {
		return data, nil
	}
	out := data[:len(data)-1]
	*carry = append([]byte(nil), data[len(data)-1])
	return out, nil
}

type errBodyFilter struct{}

func (errBodyFilter) FilterBody(data []byte, ctx *message.ProxyContext, carry *[]byte, isLast bool) ([]byte, error) {
	return nil, errors.New("body filter failed")
}

func TestBodyFilterStackFilterUppercases(t *testing.T) {
	s := &BodyFilterStack{}
	s.Push(BodyEntry{Predicate: AlwaysMatch(), Filter: upperBodyFilter{}})

	ctx := newCtx()
	s.SelectFilters(ctx)

	out, err := s.Filter([]byte("hello"), ctx)
	if err != nil {
		t.Fatalf("Filter error: %s", err)
	}
	if string(out) != "HELLO" {
		t.Fatalf("Filter output = %q, want HELLO", out)
	}
}

func TestBodyFilterStackCarryOverAcrossChunks(t *testing.T) {
	s := &BodyFilterStack{}
	s.Push(BodyEntry{Predicate: AlwaysMatch(), Filter: heldBodyFilter{}})

	ctx := newCtx()
	s.SelectFilters(ctx)

	out1, err := s.Filter([]byte("abc"), ctx)
	if err != nil {
		t.Fatalf("Filter error: %s", err)
	}
	if string(out1) != "ab" {
		t.Fatalf("first chunk output = %q, want ab", out1)
	}

	out2, err := s.Filter([]byte("def"), ctx)
	if err != nil {
		t.Fatalf("Filter error: %s", err)
	}
	// carry "c" is prepended to "def" -> "cdef", held-back again -> "cde"
	if string(out2) != "cde" {
		t.Fatalf("second chunk output = %q, want cde", out2)
	}

	out3, err := s.FilterLast([]byte(""), ctx)
	if err != nil {
		t.Fatalf("FilterLast error: %s", err)
	}
	// carry "f" held from the second chunk is prepended by the stack
	// before the final call; the filter itself just returns it as-is.
	if string(out3) != "f" {
		t.Fatalf("final chunk output = %q, want f", out3)
	}
}

func TestBodyFilterStackSelectFiltersIdempotentUntilEod(t *testing.T) {
	s := &BodyFilterStack{}
	s.Push(BodyEntry{Predicate: AlwaysMatch(), Filter: upperBodyFilter{}})

	ctx := newCtx()
	s.SelectFilters(ctx)
	s.SelectFilters(ctx) // second call before Eod must be a no-op

	out, err := s.Filter([]byte("hi"), ctx)
	if err != nil {
		t.Fatalf("Filter error: %s", err)
	}
	if string(out) != "HI" {
		t.Fatalf("output = %q, want HI", out)
	}

	s.Eod()
	if s.selected != nil || s.chosen {
		t.Fatal("Eod should clear selection state")
	}
}

func TestBodyFilterStackPropagatesFilterError(t *testing.T) {
	s := &BodyFilterStack{}
	s.Push(BodyEntry{Predicate: AlwaysMatch(), Filter: errBodyFilter{}})

	ctx := newCtx()
	s.SelectFilters(ctx)
	if _, err := s.Filter([]byte("x"), ctx); err == nil {
		t.Fatal("expected error from failing body filter")
	}
}
