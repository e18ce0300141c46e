package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "sorts keys at every depth",
			input: `{"b": 2, "a": {"d": 4, "c": 3}}`,
			want:  `{"a":{"c":3,"d":4},"b":2}`,
		},
		{
			name:  "strips insignificant whitespace",
			input: "{\n  \"x\": [1, 2, 3]\n}",
			want:  `{"x":[1,2,3]}`,
		},
		{
			name:  "preserves number literals",
			input: `{"price": 1.50, "qty": 1e3}`,
			want:  `{"price":1.50,"qty":1e3}`,
		},
		{
			name:  "keeps array order",
			input: `{"items": ["b", "a"]}`,
			want:  `{"items":["b","a"]}`,
		},
		{
			name:  "scalars and null pass through",
			input: `{"s": "hi", "t": true, "n": null}`,
			want:  `{"n":null,"s":"hi","t":true}`,
		},
		{
			name:  "empty input defaults to empty object",
			input: "",
			want:  `{}`,
		},
		{
			name:  "whitespace-only input defaults to empty object",
			input: "   \n\t",
			want:  `{}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalizeInput([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalizeInputRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{name: "not JSON", input: `{"a":`},
		{name: "bare garbage", input: `not json at all`},
		{name: "trailing data", input: `{"a":1}{"b":2}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CanonicalizeInput([]byte(tc.input))
			require.Error(t, err)
			assert.Equal(t, CodeValidation, CodeOf(err))
		})
	}
}

func TestHashInputIsKeyOrderInsensitive(t *testing.T) {
	a, err := HashInput([]byte(`{"user": "amy", "count": 3, "opts": {"x": 1, "y": 2}}`))
	require.NoError(t, err)
	b, err := HashInput([]byte(`{"opts": {"y": 2, "x": 1}, "count": 3, "user": "amy"}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashInputDistinguishesValues(t *testing.T) {
	a, err := HashInput([]byte(`{"count": 3}`))
	require.NoError(t, err)
	b, err := HashInput([]byte(`{"count": 4}`))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
