package server

import (
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestSessions_CreateListGetDelete(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.do(jsonRequest(t, http.MethodPost, "/sessions", CreateSessionRequest{Name: "Midterm", MaxMark: 50}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[marks.Session](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Midterm", created.Name)
	assert.InDelta(t, 50, created.MaxMark, 0)
	assert.NotNil(t, created.Marks)

	w = env.do(httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[SessionsResponse](t, w)
	assert.Equal(t, 1, list.Count)

	w = env.do(httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[marks.Session](t, w).ID)

	w = env.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).ErrorType)
}

func TestSessions_CreateInvalid(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, req := range []CreateSessionRequest{{Name: "", MaxMark: 10}, {Name: "Quiz", MaxMark: 0}, {Name: "Quiz", MaxMark: -5}} {
		w := env.do(jsonRequest(t, http.MethodPost, "/sessions", req))
		assert.Equal(t, http.StatusBadRequest, w.Code, "%+v", req)
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	assert.Empty(t, env.store.List())
}

func TestSessions_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(httptest.NewRequest(http.MethodPut, "/sessions", nil)).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(httptest.NewRequest(http.MethodPost, "/sessions/x", nil)).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(httptest.NewRequest(http.MethodGet, "/sessions/x/commit", nil)).Code)
}

func TestSessions_ReviewThenCommit(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 20, candidate("S1", 5))
	env.extractor.candidates = []marks.Candidate{candidate("S1", 9), candidate("S2", 14), candidate("S3", 17)}

	w := env.do(uploadRequest(t, "/sessions/"+sess.ID+"/review", nil, map[string][]byte{"p.png": testutil.PNG(t, 10, 10)}))
	require.Equal(t, http.StatusOK, w.Code)
	review := decode[ExtractResponse](t, w)
	require.Len(t, review.Candidates, 2)
	assert.Equal(t, 1, review.Duplicates)

	// Another client commits S2 while the first is still reviewing
	_, err := env.store.Commit(sess.ID, []marks.StudentMark{{StudentID: "S2", Mark: marks.MarkOf(3)}})
	require.NoError(t, err)

	// The user fixes a misread mark before committing
	review.Candidates[1].Mark = marks.MarkOf(18)

	w = env.do(jsonRequest(t, http.MethodPost, "/sessions/"+sess.ID+"/commit", CommitRequest{Records: review.Candidates}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	commit := decode[CommitResponse](t, w)
	require.Len(t, commit.Accepted, 1)
	assert.Equal(t, "S3", commit.Accepted[0].StudentID)
	assert.Equal(t, 1, commit.Duplicates)
	assert.Equal(t, "1 record will be added. 1 entry with a duplicate Student ID was found and will be ignored.", commit.Message)

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Marks, 3)
	assert.Equal(t, []string{"S1", "S2", "S3"}, studentIDs(got.Marks))
	v, ok := got.Marks[2].Mark.Value()
	require.True(t, ok)
	assert.InDelta(t, 18, v, 0)
}

func TestSessions_CommitUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := env.do(jsonRequest(t, http.MethodPost, "/sessions/nope/commit", CommitRequest{}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_EditAndDeleteMark(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 20, candidate("S1", 5), candidate("S2", 6))
	markID := sess.Marks[0].ID
	path := "/sessions/" + sess.ID + "/marks/" + markID

	w := env.do(jsonRequest(t, http.MethodPatch, path, map[string]interface{}{"mark": 19.5}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[marks.StudentMark](t, w)
	assert.Equal(t, "S1", rec.StudentID, "absent studentId is unchanged")
	assert.Equal(t, "19.5", rec.Mark.String())

	w = env.do(jsonRequest(t, http.MethodPatch, path, map[string]interface{}{"studentId": "S9", "mark": nil}))
	require.Equal(t, http.StatusOK, w.Code)
	rec = decode[marks.StudentMark](t, w)
	assert.Equal(t, "S9", rec.StudentID)
	assert.False(t, rec.Mark.IsSet(), "null clears the mark")

	// Manual edits may reuse an existing student ID
	w = env.do(jsonRequest(t, http.MethodPatch, path, map[string]interface{}{"studentId": "S2"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(jsonRequest(t, http.MethodPatch, path, map[string]interface{}{"mark": 21}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(jsonRequest(t, http.MethodPatch, path, map[string]interface{}{"studentId": "  "}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(jsonRequest(t, http.MethodPatch, "/sessions/"+sess.ID+"/marks/missing", map[string]interface{}{"mark": 1}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(httptest.NewRequest(http.MethodDelete, path, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Marks, 1)
	assert.Equal(t, "S2", got.Marks[0].StudentID)

	w = env.do(httptest.NewRequest(http.MethodDelete, path, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_EditMarkRejectsNonNumbers(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 100, candidate("S1", 78))
	path := "/sessions/" + sess.ID + "/marks/" + sess.Marks[0].ID

	for _, body := range []map[string]interface{}{
		{"mark": "seventy"},
		{"mark": "78"},
		{"mark": true},
		{"mark": []int{78}},
		{"studentId": "S2", "mark": map[string]int{"v": 1}},
	} {
		w := env.do(jsonRequest(t, http.MethodPatch, path, body))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %v", body)
	}

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Marks, 1)
	assert.Equal(t, "S1", got.Marks[0].StudentID, "rejected patch leaves the ID alone")
	assert.Equal(t, "78", got.Marks[0].Mark.String(), "rejected patch keeps the stored mark")
}

func TestSessions_ExportCSV(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz 3 Physics", 20, candidate("S1", 12.5), marks.Candidate{StudentID: "S2"})

	w := env.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID+"/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="Quiz_3_Physics_marks.csv"`)

	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Student ID", "Mark"}, {"S1", "12.5"}, {"S2", ""}}, rows)
}

func TestSessions_ExportXLSX(t *testing.T) {
	env := newTestEnv(t, Config{ExportFormat: "xlsx"})
	sess := env.session(t, "Quiz", 20, candidate("S1", 7))

	w := env.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID+"/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "Quiz_marks.xlsx")

	f, err := excelize.OpenReader(w.Body)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Student Marks")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Student ID", "Mark"}, {"S1", "7"}}, rows)
}

func TestSessions_ExportErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess := env.session(t, "Quiz", 20)

	w := env.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID+"/export?format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/sessions/missing/export?format=csv", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func studentIDs(records []marks.StudentMark) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.StudentID
	}
	return ids
}
