package batch

import (
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverFiles_EmptyArgs(t *testing.T) {
	files, err := DiscoverFiles([]string{}, false, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDiscoverFiles_Directory(t *testing.T) {
	tempDir := testutil.CreateTempDir(t)
	pngFile := testutil.WriteFile(t, tempDir, "sheet.png", []byte("png"))
	webpFile := testutil.WriteFile(t, tempDir, "phone.webp", []byte("webp"))
	pdfFile := testutil.WriteFile(t, tempDir, "scan.PDF", []byte("pdf"))
	testutil.WriteFile(t, tempDir, "notes.txt", []byte("text"))

	files, err := DiscoverFiles([]string{tempDir}, false, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pngFile, webpFile, pdfFile}, files)
}

func TestDiscoverFiles_ExplicitFileIsKept(t *testing.T) {
	tempDir := testutil.CreateTempDir(t)
	odd := testutil.WriteFile(t, tempDir, "capture.raw", []byte("x"))

	files, err := DiscoverFiles([]string{odd}, false, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{odd}, files)
}

func TestDiscoverFiles_Recursive(t *testing.T) {
	tempDir := testutil.CreateTempDir(t)
	rootPng := testutil.WriteFile(t, tempDir, "root.png", []byte("root"))
	subPng := testutil.WriteFile(t, tempDir, filepath.Join("subdir", "sub.png"), []byte("sub"))

	files, err := DiscoverFiles([]string{tempDir}, true, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{rootPng, subPng}, files)

	files, err = DiscoverFiles([]string{tempDir}, false, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{rootPng}, files)
}

func TestDiscoverFiles_IncludeExcludePatterns(t *testing.T) {
	tempDir := testutil.CreateTempDir(t)
	test1 := testutil.WriteFile(t, tempDir, "quiz1.png", []byte("1"))
	test2 := testutil.WriteFile(t, tempDir, "quiz2.jpg", []byte("2"))
	testutil.WriteFile(t, tempDir, "quiz-draft.png", []byte("3"))
	testutil.WriteFile(t, tempDir, "final.png", []byte("4"))

	files, err := DiscoverFiles([]string{tempDir}, false, []string{"quiz*"}, []string{"*draft*"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{test1, test2}, files)
}

func TestDiscoverFiles_NonExistent(t *testing.T) {
	files, err := DiscoverFiles([]string{"/nonexistent/directory"}, false, nil, nil)
	require.Error(t, err)
	assert.Nil(t, files)
	assert.Contains(t, err.Error(), "cannot access")
}

func TestMatchesAnyPattern(t *testing.T) {
	testCases := []struct {
		filename string
		pattern  string
		expected bool
	}{
		{"test.png", "*.png", true},
		{"test.jpg", "*.png", false},
		{"test.PNG", "*.png", false},
		{"dir/test.png", "test.*", true},
		{"other.png", "test.*", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, matchesAnyPattern(tc.filename, []string{tc.pattern}),
			"filename=%s, pattern=%s", tc.filename, tc.pattern)
	}
	assert.False(t, matchesAnyPattern("test.png", nil))
}

func TestShouldIncludeFile_ExcludeWins(t *testing.T) {
	assert.False(t, shouldIncludeFile("a.png", []string{"*.png"}, []string{"a.*"}))
	assert.True(t, shouldIncludeFile("b.png", []string{"*.png"}, []string{"a.*"}))
}

func TestIsInputFile(t *testing.T) {
	assert.True(t, isInputFile("x.jpeg"))
	assert.True(t, isInputFile("x.pdf"))
	assert.False(t, isInputFile("x.docx"))
}
