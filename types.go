package httpio

import (
	"net/textproto"

	"dqx0.com/go/httpio/internal/http1"
)

// Header is an ordered multimap of HTTP header fields. Unlike
// net/http's map-based Header, it preserves both insertion order and
// duplicate field occurrences, because the wire framing this module
// speaks (and several of its testable round-trip properties) depend on
// headers coming back out in the order a handler or server put them in.
type Header struct {
	fields []headerField
}

type headerField struct {
	key   string // canonical
	value string
}

// NewHeader returns an empty Header ready to use.
func NewHeader() *Header { return &Header{} }

// Get returns the first value associated with key, or "".
func (h *Header) Get(key string) string {
	if h == nil {
		return ""
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	for _, f := range h.fields {
		if f.key == k {
			return f.value
		}
	}
	return ""
}

// Values returns every value associated with key, in wire order.
func (h *Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	var out []string
	for _, f := range h.fields {
		if f.key == k {
			out = append(out, f.value)
		}
	}
	return out
}

// Set replaces all values associated with key with a single value,
// placed at the position of the first existing occurrence, or appended
// if key was not already present.
func (h *Header) Set(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	replaced := false
	out := h.fields[:0:0]
	for _, f := range h.fields {
		if f.key != k {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, headerField{key: k, value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, headerField{key: k, value: value})
	}
	h.fields = out
}

// Add appends a value for key, preserving any existing values.
func (h *Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h.fields = append(h.fields, headerField{key: k, value: value})
}

// Del removes every value associated with key.
func (h *Header) Del(key string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	out := h.fields[:0]
	for _, f := range h.fields {
		if f.key != k {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	if h == nil {
		return NewHeader()
	}
	out := &Header{fields: make([]headerField, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// Range calls fn once per field in wire order. fn must not mutate h.
func (h *Header) Range(fn func(key, value string)) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		fn(f.key, f.value)
	}
}

// Len returns the number of fields, counting duplicates.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// toWire converts to the internal ordered representation internal/http1
// reads and writes. It exists so the wire codec doesn't need to know
// about the exported Header type, and vice versa.
func (h *Header) toWire() http1.Header {
	if h == nil {
		return nil
	}
	out := make(http1.Header, len(h.fields))
	for i, f := range h.fields {
		out[i] = http1.Field{Name: f.key, Value: f.value}
	}
	return out
}

// headerFromWire builds an exported Header from what internal/http1
// parsed off the connection.
func headerFromWire(w http1.Header) *Header {
	h := &Header{fields: make([]headerField, len(w))}
	for i, f := range w {
		h.fields[i] = headerField{key: f.Name, value: f.Value}
	}
	return h
}
