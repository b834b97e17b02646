package uamcrypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize produces the deterministic byte image of a JSON object used
// as a signature scope: it drops any key literally named "signature", drops
// null-valued entries, recursively sorts object keys lexicographically, and
// emits compact JSON with non-ASCII characters \u-escaped. The result is
// stable across languages that follow the same rules (sort_keys,
// ensure_ascii, minimal separators).
func Canonicalize(data map[string]any) []byte {
	var buf bytes.Buffer
	writeCanonicalValue(&buf, stripSignatureAndNulls(data))
	return buf.Bytes()
}

func stripSignatureAndNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == "signature" || val == nil {
				continue
			}
			out[k] = stripSignatureAndNulls(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripSignatureAndNulls(val)
		}
		return out
	default:
		return v
	}
}

func writeCanonicalValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			writeCanonicalValue(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, val := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalValue(buf, val)
		}
		buf.WriteByte(']')
	case string:
		writeCanonicalString(buf, t)
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	default:
		// Numbers (float64, json.Number, int) fall back to the standard
		// encoder, which already emits compact canonical number syntax.
		b, err := json.Marshal(t)
		if err != nil {
			panic(fmt.Sprintf("uamcrypto: cannot canonicalize value %v: %v", t, err))
		}
		buf.Write(b)
	}
}

func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20 || r > 0x7e:
				if r > 0xFFFF {
					r -= 0x10000
					hi := 0xD800 + (r >> 10)
					lo := 0xDC00 + (r & 0x3FF)
					fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
				} else {
					fmt.Fprintf(buf, `\u%04x`, r)
				}
			default:
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
