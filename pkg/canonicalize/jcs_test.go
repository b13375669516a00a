package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": []any{map[string]any{"k2": true, "k1": nil}},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"k1":null,"k2":true}],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type binding struct {
		StateRoot string `json:"state_root"`
		LogHash   string `json:"log_hash"`
		Omitted   string `json:"omitted,omitempty"`
	}

	b, err := JCS(binding{StateRoot: "ff", LogHash: "aa"})
	require.NoError(t, err)
	assert.Equal(t, `{"log_hash":"aa","state_root":"ff"}`, string(b))
}

func TestJCS_NFC(t *testing.T) {
	// "é" as e + combining acute accent normalizes to U+00E9.
	decomposed := map[string]string{"name": "e\u0301"}
	composed := map[string]string{"name": "\u00e9"}

	a, err := JCS(decomposed)
	require.NoError(t, err)
	b, err := JCS(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestJCS_RejectsFloats(t *testing.T) {
	_, err := JCS(map[string]any{"amount": 1.5})
	assert.ErrorIs(t, err, ErrFloat)

	_, err = Transform([]byte(`{"x":[1,2e3]}`))
	assert.ErrorIs(t, err, ErrFloat)
}

func TestJCS_RejectsUnsafeIntegers(t *testing.T) {
	_, err := JCS(map[string]any{"n": uint64(1) << 60})
	assert.ErrorIs(t, err, ErrUnsafeInteger)

	b, err := JCS(map[string]any{"n": int64(maxSafeInteger)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740991}`, string(b))
}

func TestInvalidUTF8(t *testing.T) {
	// both collapse to U+FFFD when marshaled
	a, err := JCS("op\xff")
	require.NoError(t, err)
	b, err := JCS("op\xfe")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.ErrorIs(t, CheckString("name", "op\xff"), ErrInvalidUTF8)
	assert.NoError(t, CheckString("name", "opé"))
	assert.ErrorIs(t, CheckStrings(map[string]string{"k\xc3": "v"}), ErrInvalidUTF8)
	assert.ErrorIs(t, CheckStrings(map[string]string{"k": "v\xc3"}), ErrInvalidUTF8)
	assert.NoError(t, CheckStrings(nil))

	_, err = Transform([]byte("{\"k\":\"\xff\"}"))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": "1", "b": "2"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	// sha256 of the empty string
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
