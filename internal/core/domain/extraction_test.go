package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONObject(t *testing.T) {
	obj, err := ParseJSONObject("sure!\n```json\n{\"a\": 1, \"b\": {\"c\": \"d\"}}\n```\ndone")
	require.NoError(t, err)
	assert.Equal(t, float64(1), obj["a"])
	assert.Equal(t, map[string]any{"c": "d"}, obj["b"])

	_, err = ParseJSONObject("no json here")
	assert.Error(t, err)
	_, err = ParseJSONObject("{broken")
	assert.Error(t, err)
	_, err = ParseJSONObject(`{"a": }`)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abc", 2))
}
