package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImportFileJSONArray(t *testing.T) {
	data := []byte(`[
		{"id": "a", "title": "first", "content": "alpha"},
		{"title": "second", "content": "beta"}
	]`)

	docs, err := parseImportFile(data)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Empty(t, docs[1].ID)
	assert.Equal(t, "beta", docs[1].Content)
}

func TestParseImportFileJSONL(t *testing.T) {
	data := []byte(`{"id": "a", "content": "alpha"}

{"id": "b", "content": "beta"}
`)

	docs, err := parseImportFile(data)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1].ID)
}

func TestParseImportFileRejectsGarbage(t *testing.T) {
	_, err := parseImportFile([]byte("not json at all"))
	require.Error(t, err)
}
