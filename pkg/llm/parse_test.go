package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"inline fence", "```{\"a\":1}```", `{"a":1}`},
		{"whitespace", "  \n{\"a\":1}\n ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFences(tt.in))
		})
	}
}

func TestParseObject(t *testing.T) {
	res, err := ParseObject("Sure! Here it is:\n```json\n{\"classification\": \"SUBSUMED\", \"confidence\": 0.9}\n```")
	require.NoError(t, err)
	assert.Equal(t, "SUBSUMED", res.Get("classification").String())
	assert.InDelta(t, 0.9, res.Get("confidence").Float(), 1e-9)
}

func TestParseObject_Failures(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{broken", `{"a": }`, "[1,2,3]"} {
		_, err := ParseObject(raw)
		assert.True(t, errors.Is(err, ErrUnparseable), "input %q", raw)
	}
}

func TestStrings(t *testing.T) {
	res, err := ParseObject(`{"keywords": ["go", 3, " ", "lang"], "x": "y"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "lang"}, Strings(res.Get("keywords")))
	assert.Nil(t, Strings(res.Get("x")))
	assert.Nil(t, Strings(res.Get("missing")))
}
