package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue(t *testing.T) {
	v, err := ParseValue([]byte(`{
		"s": "a\"bé",
		"n": 42,
		"f": 1.5,
		"b": true,
		"null": null,
		"arr": ["x", 1, "y"],
		"obj": {"inner": {"deep": "ok"}}
	}`))
	require.NoError(t, err)
	assert.True(t, v.IsObject())

	s, ok := v.Get("s").Str()
	assert.True(t, ok)
	assert.Equal(t, "a\"bé", s)

	n, ok := v.Get("n").Int()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	n, ok = v.Get("f").Int()
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)

	f, ok := v.Get("f").Float()
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)

	b, ok := v.Get("b").Bool()
	assert.True(t, ok)
	assert.True(t, b)

	assert.False(t, v.Get("null").Exists())
	assert.False(t, v.Get("missing").Exists())
	assert.Equal(t, "ok", v.Get("obj", "inner", "deep").StrOr(""))
	assert.Equal(t, []string{"x", "y"}, v.Get("arr").Strings())
	assert.Len(t, v.Get("arr").Array(), 3)

	// Wrong types never panic and report !ok.
	_, ok = v.Get("n").Str()
	assert.False(t, ok)
	_, ok = v.Get("s").Int()
	assert.False(t, ok)
	_, ok = v.Get("s").Bool()
	assert.False(t, ok)
	assert.Nil(t, v.Get("s").Array())
	assert.False(t, v.Get("s").Get("x").Exists())
	assert.Equal(t, "def", v.Get("missing", "deeper").StrOr("def"))
}

func TestValueRaw(t *testing.T) {
	v, err := ParseValue([]byte(`{"s":"q\"x","o":{"k":[1,2]},"n":null}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"q\"x"`, string(v.Get("s").Raw()))
	assert.JSONEq(t, `{"k":[1,2]}`, string(v.Get("o").Raw()))
	assert.Nil(t, v.Get("n").Raw())
	assert.Nil(t, v.Get("missing").Raw())
}

func TestParseValueRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "{", `{"a":}`, "nope", `{"a":1}}`} {
		_, err := ParseValue([]byte(in))
		assert.Error(t, err, in)
	}
}
