package httpio

import "strings"

// TraceStateBuilder provides safe construction of a W3C tracestate
// header value: basic key/value validation plus most-recent-first
// ordering.
type TraceStateBuilder struct {
	order []string          // keys in order
	kv    map[string]string // normalized key -> value
}

// NewTraceStateBuilder parses an existing tracestate string.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{kv: make(map[string]string)}
	v = strings.TrimSpace(v)
	if v == "" {
		return b
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(part[:i]))
		val := strings.TrimSpace(part[i+1:])
		if !validTSKey(k) || !validTSValue(val) {
			continue
		}
		if _, ok := b.kv[k]; ok {
			continue
		}
		b.kv[k] = val
		b.order = append(b.order, k)
	}
	return b
}

// Set inserts or updates key with value, moving it to the front. Returns
// false if key/value is invalid.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTSKey(k) || !validTSValue(v) {
		return false
	}
	if _, ok := b.kv[k]; ok {
		for i, ek := range b.order {
			if ek == k {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.kv[k] = v
	b.order = append([]string{k}, b.order...)
	return true
}

// String renders the tracestate header value.
func (b *TraceStateBuilder) String() string {
	if len(b.order) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range b.order {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b.kv[k])
	}
	return sb.String()
}

// validTSKey checks the simplified W3C key grammar: key or key@tenant,
// lower-case a-z0-9 and _-*./ only.
func validTSKey(k string) bool {
	if k == "" {
		return false
	}
	parts := strings.Split(k, "@")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '*' || c == '/' || c == '.' {
				continue
			}
			return false
		}
	}
	return true
}

// validTSValue disallows control chars and commas.
func validTSValue(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < 0x20 || c == 0x7f || c == ',' {
			return false
		}
	}
	return true
}
