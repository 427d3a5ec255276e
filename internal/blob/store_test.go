package blob

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyKeepsExtension(t *testing.T) {
	key := ObjectKey("doc1", "drawing.PDF")
	assert.True(t, strings.HasPrefix(key, "documents/"))
	assert.Contains(t, key, "/doc1/")
	assert.True(t, strings.HasSuffix(key, ".PDF"))
	assert.NotEqual(t, key, ObjectKey("doc1", "drawing.PDF"))
}

func TestNewMinioStore(t *testing.T) {
	s, err := NewMinioStore("127.0.0.1:9000", "k", "s", "b", false)
	require.NoError(t, err)
	assert.Equal(t, "b", s.bucket)
}
