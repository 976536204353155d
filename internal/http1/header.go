package http1

import "strings"

// Field is one name/value pair as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered sequence of header fields. Unlike a
// map[string][]string it preserves both the original insertion order and
// duplicate occurrences, which the wire formats httpio speaks (and the
// trailers readTrailers in chunked.go intentionally still discards) require:
// a proxy or test fixture that cares about header order needs the bytes
// it sent to come back out the same way.
type Header []Field

// Add appends a field, canonicalizing its name.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: canonicalHeaderKey(name), Value: value})
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	ck := canonicalHeaderKey(name)
	for _, f := range h {
		if f.Name == ck {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, in the order they appeared.
func (h Header) Values(name string) []string {
	ck := canonicalHeaderKey(name)
	var out []string
	for _, f := range h {
		if f.Name == ck {
			out = append(out, f.Value)
		}
	}
	return out
}

// Del removes every field matching name.
func (h *Header) Del(name string) {
	ck := canonicalHeaderKey(name)
	kept := (*h)[:0]
	for _, f := range *h {
		if f.Name != ck {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// HasToken reports whether name's (comma-joined) values contain token,
// case-insensitively. Used for Transfer-Encoding/Connection matching.
func (h Header) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// Very small canonicalizer to avoid importing net/textproto here: the
// teacher corpus never reaches for textproto.CanonicalMIMEHeaderKey
// either, so this keeps the same hand-rolled shape it already used.
func canonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
