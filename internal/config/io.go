package config

// normalizeInput prepares raw file bytes for parsing:
// - strips UTF-8 BOM
// - normalizes CRLF/CR to LF
//
// Unlike canonicalize(), it does not trim trailing whitespace.
func normalizeInput(in []byte) []byte {
	if len(in) >= 3 && in[0] == 0xEF && in[1] == 0xBB && in[2] == 0xBF {
		in = in[3:]
	}

	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// canonicalize is normalizeInput plus exactly one trailing newline.
func canonicalize(in []byte) []byte {
	out := normalizeInput(in)
	for len(out) > 0 {
		last := out[len(out)-1]
		if last == '\n' || last == ' ' || last == '\t' {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return append(out, '\n')
}
