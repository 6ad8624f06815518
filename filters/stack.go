package filters

import (
	"fmt"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

// HeaderEntry pairs a predicate with the HeaderFilter it guards.
type HeaderEntry struct {
	Predicate *MatchPredicate
	Filter    HeaderFilter
}

// HeaderFilterStack is the ordered stack of header filters for one of
// the ReqHdr/RespHdr stages. Header stages run exactly once per
// message (there is no chunking on the header path), so selection,
// Begin/End and invocation all happen within a single Run call.
type HeaderFilterStack struct {
	entries []HeaderEntry
}

// Push appends e to the end of the stack.
func (s *HeaderFilterStack) Push(e HeaderEntry) {
	s.entries = append(s.entries, e)
}

// Insert places e at index i, shifting later entries down.
func (s *HeaderFilterStack) Insert(i int, e HeaderEntry) {
	s.entries = append(s.entries, HeaderEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

// Remove deletes the entry at index i.
func (s *HeaderFilterStack) Remove(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// All returns a copy of the registered entries, in registration order.
func (s *HeaderFilterStack) All() []HeaderEntry {
	out := make([]HeaderEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Run selects the entries whose predicate matches the message active on
// ctx, and invokes each of them once, in registration order, against h.
// If a filter sets a short-circuit response on ctx, remaining filters in
// the stack are skipped. A filter panic is recovered and reported as an
// error, matching the FilterError taxonomy in §7.
func (s *HeaderFilterStack) Run(h *header.Header, ctx *message.ProxyContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filters: header filter panicked: %v", r)
		}
	}()

	alreadyShortCircuited := ctx.ShortCircuited()
	for _, e := range s.entries {
		if !e.Predicate.Match(ctx.Request, ctx.Response) {
			continue
		}
		if b, ok := e.Filter.(Beginner); ok {
			b.Begin(ctx)
		}
		if ferr := e.Filter.FilterHeaders(h, ctx); ferr != nil {
			return ferr
		}
		if end, ok := e.Filter.(Ender); ok {
			end.End()
		}
		if !alreadyShortCircuited && ctx.ShortCircuited() {
			return nil
		}
	}
	return nil
}

// BodyEntry pairs a predicate with the BodyFilter it guards.
type BodyEntry struct {
	Predicate *MatchPredicate
	Filter    BodyFilter
}

// BodyFilterStack is the ordered stack of body filters for one of the
// ReqBody/RespBody stages. Unlike HeaderFilterStack, selection and
// per-filter carry buffers persist across the many Filter calls that
// make up one streamed message, per the invariants in §3.
type BodyFilterStack struct {
	entries  []BodyEntry
	selected []BodyEntry
	carry    [][]byte
	chosen   bool
}

// Push appends e to the end of the stack.
func (s *BodyFilterStack) Push(e BodyEntry) {
	s.entries = append(s.entries, e)
}

// Insert places e at index i, shifting later entries down.
func (s *BodyFilterStack) Insert(i int, e BodyEntry) {
	s.entries = append(s.entries, BodyEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

// Remove deletes the entry at index i.
func (s *BodyFilterStack) Remove(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// All returns a copy of the registered entries, in registration order.
func (s *BodyFilterStack) All() []BodyEntry {
	out := make([]BodyEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SelectFilters recomputes the selected subset and its carry buffers
// for the message active on ctx. It is idempotent within a single
// message: a second call before Eod is a no-op, so the connection
// server can call it unconditionally at the top of every chunk.
func (s *BodyFilterStack) SelectFilters(ctx *message.ProxyContext) {
	if s.chosen {
		return
	}
	s.selected = nil
	for _, e := range s.entries {
		if e.Predicate.Match(ctx.Request, ctx.Response) {
			s.selected = append(s.selected, e)
			if b, ok := e.Filter.(Beginner); ok {
				b.Begin(ctx)
			}
		}
	}
	s.carry = make([][]byte, len(s.selected))
	s.chosen = true
}

// WillModify reports whether any selected filter declares that it can
// change body length or content.
func (s *BodyFilterStack) WillModify() bool {
	for _, e := range s.selected {
		if wm, ok := e.Filter.(WillModifier); ok && wm.WillModify() {
			return true
		}
	}
	return false
}

// Filter runs one non-final chunk through every selected filter in
// order: filter i receives its own carry buffer prepended to its input,
// and its output becomes filter i+1's input.
func (s *BodyFilterStack) Filter(data []byte, ctx *message.ProxyContext) ([]byte, error) {
	return s.run(data, ctx, false)
}

// FilterLast runs the final chunk (isLast = true, carry ignored by
// filters), then calls End on every selected filter and clears
// selection state via Eod.
func (s *BodyFilterStack) FilterLast(data []byte, ctx *message.ProxyContext) ([]byte, error) {
	out, err := s.run(data, ctx, true)
	for _, e := range s.selected {
		if end, ok := e.Filter.(Ender); ok {
			end.End()
		}
	}
	s.Eod()
	return out, err
}

// Eod drops the selected subset and carry buffers, preparing the stack
// for the next message.
func (s *BodyFilterStack) Eod() {
	s.selected = nil
	s.carry = nil
	s.chosen = false
}

func (s *BodyFilterStack) run(data []byte, ctx *message.ProxyContext, isLast bool) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filters: body filter panicked: %v", r)
		}
	}()

	chunk := data
	for i, e := range s.selected {
		in := chunk
		if len(s.carry[i]) > 0 {
			in = append(append([]byte(nil), s.carry[i]...), chunk...)
			s.carry[i] = nil
		}
		rewritten, ferr := e.Filter.FilterBody(in, ctx, &s.carry[i], isLast)
		if ferr != nil {
			return nil, ferr
		}
		if isLast {
			s.carry[i] = nil
		}
		chunk = rewritten
	}
	return chunk, nil
}
