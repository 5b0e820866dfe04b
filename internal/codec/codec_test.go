package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizePrimitives(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, "null"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"int", 42, "42"},
		{"zero", 0, "0"},
		{"negative", -7, "-7"},
		{"millis timestamp", int64(1735689600123), "1735689600123"},
		{"fraction", 1.5, "1.5"},
		{"string", "hello", `"hello"`},
		{"quote escape", `say "hi"`, `"say \"hi\""`},
		{"html chars unescaped", "<a>&</a>", `"<a>&</a>"`},
		{"newline", "a\nb", `"a\nb"`},
		{"line separator literal", "a b", "\"a b\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeSortsObjectKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"z":   nil,
		"a":   []any{float64(1), "x", true},
		"mid": map[string]any{"b": float64(2), "a": float64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,"x",true],"mid":{"a":1,"b":2},"z":null}`, got)
}

func TestCanonicalizeDeterministic(t *testing.T) {
	// Same logical value, different construction order.
	a := map[string]any{}
	a["one"] = 1
	a["two"] = []any{"x", "y"}
	a["three"] = map[string]any{"k": "v"}

	b := map[string]any{}
	b["three"] = map[string]any{"k": "v"}
	b["two"] = []any{"x", "y"}
	b["one"] = 1

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalizeStruct(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	got, err := Canonicalize(inner{B: 2, A: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, got)
}

func TestCanonicalizeArrayOrderPreserved(t *testing.T) {
	got, err := Canonicalize([]any{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, got)
}

func TestDigest(t *testing.T) {
	// Known SHA-256 vector.
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		Digest("abc"))
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Digest(""))
}

func TestRandomHex(t *testing.T) {
	a := RandomHex(16)
	b := RandomHex(16)
	assert.Len(t, a, 32)
	assert.Len(t, b, 32)
	assert.NotEqual(t, a, b)
}
