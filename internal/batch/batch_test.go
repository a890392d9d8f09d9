package batch

import (
	"encoding/json"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadImages(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	testutil.WriteFile(t, dir, "a.png", testutil.PNG(t, 40, 30))
	testutil.WriteFile(t, dir, "b.jpg", testutil.JPEG(t, 40, 30))

	images, err := LoadImages([]string{dir}, Config{})
	require.NoError(t, err)
	require.Len(t, images, 2)

	mimes := []string{images[0].MIMEType, images[1].MIMEType}
	assert.ElementsMatch(t, []string{engine.MIMEPNG, engine.MIMEJPEG}, mimes)
}

func TestLoadImages_Prepare(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	testutil.WriteFile(t, dir, "a.png", testutil.PNG(t, 400, 300))

	images, err := LoadImages([]string{dir}, Config{Prepare: utils.PrepareOptions{MaxDimension: 100}})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, engine.MIMEJPEG, images[0].MIMEType)
}

func TestLoadImages_NoInputs(t *testing.T) {
	_, err := LoadImages([]string{testutil.CreateTempDir(t)}, Config{})
	require.ErrorIs(t, err, ErrNoInputs)
}

func TestLoadImages_BrokenImage(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	p := testutil.WriteFile(t, dir, "broken.png", []byte("nope"))
	_, err := LoadImages([]string{p}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.png")
}

func TestItems(t *testing.T) {
	items := Items([]engine.Image{{Name: "a"}, {Name: "b"}}, 25)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1].Image.Name)
	assert.InDelta(t, 25, items[1].MaxMark, 0)
}

func review() Review {
	return NewReview(reconcile.Result{
		Accepted: []marks.StudentMark{
			{ID: "id-1", StudentID: "T/UDOM/2021/001", Mark: marks.MarkOf(78)},
			{ID: "id-2", StudentID: "Jane Doe", Mark: marks.NoMark()},
		},
		Duplicates: 2,
	})
}

func TestFormatReview_Text(t *testing.T) {
	out, err := FormatReview(review(), "text")
	require.NoError(t, err)
	assert.Contains(t, out, "STUDENT ID")
	assert.Contains(t, out, "T/UDOM/2021/001")
	assert.Contains(t, out, "78")
	assert.Contains(t, out, "2 entries with duplicate Student IDs were found and will be ignored.")

	out, err = FormatReview(Review{}, "")
	require.NoError(t, err)
	assert.Equal(t, "No student marks were found in the submitted images.\n", out)
}

func TestFormatReview_JSON(t *testing.T) {
	out, err := FormatReview(review(), "json")
	require.NoError(t, err)

	var decoded struct {
		Records []struct {
			StudentID string   `json:"studentId"`
			Mark      *float64 `json:"mark"`
		} `json:"records"`
		Duplicates int `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded.Records, 2)
	assert.Nil(t, decoded.Records[1].Mark)
	assert.Equal(t, 2, decoded.Duplicates)
}

func TestFormatReview_CSV(t *testing.T) {
	out, err := FormatReview(review(), "csv")
	require.NoError(t, err)
	assert.Equal(t, "id,student_id,mark\nid-1,T/UDOM/2021/001,78\nid-2,Jane Doe,\n", out)
}

func TestFormatReview_Unknown(t *testing.T) {
	_, err := FormatReview(review(), "yaml")
	require.Error(t, err)
}
