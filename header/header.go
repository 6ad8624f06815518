// Package header implements the case-insensitive, order-preserving,
// multi-valued header bag shared by requests and responses.
package header

import "net/textproto"

// Header is an ordered multimap of header names to header values.
// Lookups are case-insensitive; iteration order is the order in which
// distinct header names were first inserted. Duplicate values for the
// same name are preserved in insertion order.
type Header struct {
	order  []string            // canonical names, first-insertion order
	values map[string][]string // canonical name -> values
}

// New returns an empty Header.
func New() *Header {
	return &Header{values: make(map[string][]string)}
}

func canon(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// CanonicalName exposes the same canonicalization Header uses
// internally, so callers can compare names against Header.Names()
// without going through a Header instance.
func CanonicalName(name string) string {
	return canon(name)
}

// Get returns the first value associated with name, or "" if absent.
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	vs := h.values[canon(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values associated with name, in insertion order.
// The returned slice must not be mutated by the caller.
func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	return h.values[canon(name)]
}

// Has reports whether name is present, regardless of value.
func (h *Header) Has(name string) bool {
	_, ok := h.values[canon(name)]
	return ok
}

// Set replaces all values associated with name with the single value v.
func (h *Header) Set(name, v string) {
	c := canon(name)
	if _, ok := h.values[c]; !ok {
		h.order = append(h.order, c)
	}
	h.values[c] = []string{v}
}

// Add appends v to the list of values associated with name, preserving
// any existing values.
func (h *Header) Add(name, v string) {
	c := canon(name)
	if _, ok := h.values[c]; !ok {
		h.order = append(h.order, c)
	}
	h.values[c] = append(h.values[c], v)
}

// Del removes name and all of its values.
func (h *Header) Del(name string) {
	c := canon(name)
	if _, ok := h.values[c]; !ok {
		return
	}
	delete(h.values, c)
	for i, n := range h.order {
		if n == c {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Names returns the distinct header names in insertion order.
func (h *Header) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	out := New()
	for _, name := range h.order {
		out.order = append(out.order, name)
		vs := make([]string, len(h.values[name]))
		copy(vs, h.values[name])
		out.values[name] = vs
	}
	return out
}

// Walk calls fn once per (name, value) pair, in insertion order, visiting
// every value of a name before moving to the next name.
func (h *Header) Walk(fn func(name, value string)) {
	for _, name := range h.order {
		for _, v := range h.values[name] {
			fn(name, v)
		}
	}
}
