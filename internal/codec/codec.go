// Package codec implements the deterministic value serialization the
// hash chain is built on. The output format is a cross-implementation
// contract: two conforming peers must produce byte-identical strings
// for the same logical value, or their chain heads diverge.
package codec

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Canonicalize serializes v into its canonical string form:
// JSON literals for primitives, `[a,b]` for arrays in original order
// and `{"k1":v1,"k2":v2}` for objects with keys sorted
// lexicographically. Structs and typed maps are first reduced to
// generic JSON values so that field tags decide the key names.
func Canonicalize(v any) (string, error) {
	g, err := toGeneric(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, g); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MustCanonicalize is Canonicalize for inputs known to be valid JSON
// values. It panics on error; intended for tests and literals.
func MustCanonicalize(v any) string {
	s, err := Canonicalize(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Digest returns the hex encoded SHA-256 of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RandomHex returns 2n hex characters from a cryptographically secure
// source. Used for nonces, HIK labels and message ids.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("codec: rand.Read: %w", err))
	}
	return hex.EncodeToString(b)
}

// toGeneric reduces arbitrary Go values to the generic JSON value set
// (nil, bool, float64, string, []any, map[string]any).
func toGeneric(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, []any, map[string]any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	var g any
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return g, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		s, err := canonicalString(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case float64:
		buf.WriteString(canonicalNumber(val))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, err := canonicalString(k)
			if err != nil {
				return err
			}
			buf.WriteString(ks)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("codec: unsupported canonical type %T", v)
	}
	return nil
}

// canonicalNumber matches JSON.stringify for the integers this system
// actually chains (sequence numbers, millisecond timestamps, version
// tags): no exponent, no trailing zeros.
func canonicalNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// canonicalString encodes s as a JSON string literal without HTML
// escaping and with U+2028/U+2029 kept literal, matching the host
// JSON.stringify behaviour.
func canonicalString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("codec: encode string: %w", err)
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	out = unescapeLineSeps(out)
	return string(out), nil
}

// unescapeLineSeps turns   and   escapes back into literal
// characters. A sequence preceded by an odd run of backslashes is an
// escaped backslash followed by text and must stay as is.
func unescapeLineSeps(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if i+6 <= len(data) && data[i] == '\\' && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			slashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				slashes++
			}
			if slashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, " "...)
				} else {
					out = append(out, " "...)
				}
				i += 6
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
