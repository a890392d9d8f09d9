package testutil

import (
	"bytes"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProjectRoot(t *testing.T) {
	root, err := GetProjectRoot()
	require.NoError(t, err)
	assert.True(t, FileExists(filepath.Join(root, "go.mod")))
}

func TestPNG(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(PNG(t, 4, 3)))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
}

func TestFragments(t *testing.T) {
	frags := Fragments(SheetRow{"A1", "10"}, SheetRow{"B2", "Jane", "7"})
	require.Len(t, frags, 5)
	assert.Equal(t, "A1", frags[0].Text)
	assert.Equal(t, "B2", frags[1].Text)
	assert.Equal(t, "7", frags[4].Text)
}

func TestWriteFile(t *testing.T) {
	p := WriteFile(t, t.TempDir(), "nested/x.txt", []byte("hi"))
	assert.True(t, FileExists(p))
}
