package datastore

import "strings"

// EscapeValue maps an arbitrary key or value to a single safe path
// component. The mapping is injective: bytes outside [A-Za-z0-9_.~+@,]
// are written as %XX, a leading '.' is always escaped, and the empty
// string becomes "%" which no escaped byte can produce.
func EscapeValue(v string) string {
	if v == "" {
		return "%"
	}
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if isPathSafe(c) && !(i == 0 && c == '.') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isPathSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '.', '~', '+', '@', ',':
		return true
	}
	return false
}
