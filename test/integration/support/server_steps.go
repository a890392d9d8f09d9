package support

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/server"
	"github.com/MeKo-Tech/markscan/internal/utils"
	"github.com/cucumber/godog"
)

// RegisterServerSteps registers HTTP API steps.
func (testCtx *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a running markscan server whose engine reads these sheets:$`, testCtx.aRunningServer)
	sc.Step(`^I create the session "([^"]*)" with maximum mark (\S+)$`, testCtx.iCreateTheSession)
	sc.Step(`^I upload "([^"]*)" for review in session "([^"]*)"$`, testCtx.iUploadForReview)
	sc.Step(`^I upload "([^"]*)" for extraction with maximum mark (\S+)$`, testCtx.iUploadForExtraction)
	sc.Step(`^I upload a text file for extraction with maximum mark (\S+)$`, testCtx.iUploadATextFile)
	sc.Step(`^the response status is (\d+)$`, testCtx.theResponseStatusIs)
	sc.Step(`^the response error type is "([^"]*)"$`, testCtx.theResponseErrorTypeIs)
	sc.Step(`^the review lists:$`, testCtx.theReviewLists)
	sc.Step(`^the review lists nothing$`, testCtx.theReviewListsNothing)
	sc.Step(`^the review reports (\d+) duplicates?$`, testCtx.theReviewReportsDuplicates)
	sc.Step(`^I correct the mark of "([^"]*)" in the review to (\S+)$`, testCtx.iCorrectTheMarkInTheReview)
	sc.Step(`^I commit the review to session "([^"]*)"$`, testCtx.iCommitTheReview)
	sc.Step(`^the commit adds (\d+) records? and ignores (\d+) duplicates?$`, testCtx.theCommitAdds)
	sc.Step(`^I set the mark of "([^"]*)" in session "([^"]*)" to (\S+)$`, testCtx.iSetTheMarkInSession)
	sc.Step(`^I export session "([^"]*)" as "([^"]*)"$`, testCtx.iExportSession)
	sc.Step(`^the download is named "([^"]*)"$`, testCtx.theDownloadIsNamed)
	sc.Step(`^the exported CSV is:$`, testCtx.theExportedCSVIs)
}

func (testCtx *TestContext) aRunningServer(table *godog.Table) error {
	if err := testCtx.anEngineThatReadsTheseSheets(table); err != nil {
		return err
	}
	st, err := testCtx.openStore()
	if err != nil {
		return err
	}
	srv := server.NewServer(server.Config{
		EngineName:   testCtx.Stub.Name(),
		MaxUploadMB:  10,
		TimeoutSec:   30,
		ExportFormat: "csv",
		Prepare:      utils.DefaultPrepareOptions(),
	}, engine.NewBatcher(testCtx.Stub, engine.BatchConfig{MaxWorkers: 2}), st)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	testCtx.Server = httptest.NewServer(mux)
	return nil
}

func (testCtx *TestContext) do(req *http.Request) error {
	if testCtx.Server == nil {
		return fmt.Errorf("no server running in this scenario")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := testCtx.Server.Client().Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	testCtx.LastStatus = resp.StatusCode
	testCtx.LastHeader = resp.Header
	testCtx.LastBody = body
	return nil
}

func (testCtx *TestContext) doJSON(method, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, testCtx.Server.URL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return testCtx.do(req)
}

// upload posts the named files under the "images" field together with fields.
func (testCtx *TestContext) upload(path string, fields map[string]string, files map[string][]byte, order []string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, name := range order {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(files[name]); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, testCtx.Server.URL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := testCtx.do(req); err != nil {
		return err
	}
	return testCtx.readReview()
}

func sheetFiles(list string) (map[string][]byte, []string) {
	names := splitCSVList(list)
	files := make(map[string][]byte, len(names))
	for _, n := range names {
		files[n] = samplePNG()
	}
	return files, names
}

// readReview keeps the candidates of a successful extraction for a later commit.
func (testCtx *TestContext) readReview() error {
	if testCtx.LastStatus != http.StatusOK {
		return nil
	}
	var resp server.ExtractResponse
	if err := json.Unmarshal(testCtx.LastBody, &resp); err != nil {
		return fmt.Errorf("invalid extraction response %s: %w", testCtx.LastBody, err)
	}
	testCtx.Review = resp.Candidates
	testCtx.Result = reconcile.Result{Accepted: resp.Candidates, Duplicates: resp.Duplicates}
	return nil
}

func (testCtx *TestContext) iCreateTheSession(name, rawMax string) error {
	maxMark, err := parseMaxMark(rawMax)
	if err != nil {
		return err
	}
	if err := testCtx.doJSON(http.MethodPost, "/sessions", server.CreateSessionRequest{Name: name, MaxMark: maxMark}); err != nil {
		return err
	}
	if testCtx.LastStatus != http.StatusCreated {
		return fmt.Errorf("expected 201, got %d: %s", testCtx.LastStatus, testCtx.LastBody)
	}
	var sess marks.Session
	if err := json.Unmarshal(testCtx.LastBody, &sess); err != nil {
		return err
	}
	testCtx.Sessions[name] = sess.ID
	return nil
}

func (testCtx *TestContext) sessionID(name string) (string, error) {
	id, ok := testCtx.Sessions[name]
	if !ok {
		return "", fmt.Errorf("no session named %q in this scenario", name)
	}
	return id, nil
}

func (testCtx *TestContext) iUploadForReview(list, name string) error {
	id, err := testCtx.sessionID(name)
	if err != nil {
		return err
	}
	files, order := sheetFiles(list)
	return testCtx.upload("/sessions/"+id+"/review", nil, files, order)
}

func (testCtx *TestContext) iUploadForExtraction(list, rawMax string) error {
	files, order := sheetFiles(list)
	return testCtx.upload("/extract", map[string]string{"max_mark": rawMax}, files, order)
}

func (testCtx *TestContext) iUploadATextFile(rawMax string) error {
	files := map[string][]byte{"notes.txt": []byte("S1 12\nS2 14\n")}
	return testCtx.upload("/extract", map[string]string{"max_mark": rawMax}, files, []string{"notes.txt"})
}

func (testCtx *TestContext) theResponseStatusIs(status int) error {
	if testCtx.LastStatus != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, testCtx.LastStatus, testCtx.LastBody)
	}
	return nil
}

func (testCtx *TestContext) theResponseErrorTypeIs(errType string) error {
	var resp server.ErrorResponse
	if err := json.Unmarshal(testCtx.LastBody, &resp); err != nil {
		return fmt.Errorf("invalid error response %s: %w", testCtx.LastBody, err)
	}
	if resp.ErrorType != errType {
		return fmt.Errorf("expected error type %q, got %q (%s)", errType, resp.ErrorType, resp.Error)
	}
	return nil
}

func (testCtx *TestContext) theReviewLists(table *godog.Table) error {
	want, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	return compareCandidates(want, toCandidates(testCtx.Review))
}

func (testCtx *TestContext) theReviewListsNothing() error {
	if len(testCtx.Review) != 0 {
		return fmt.Errorf("expected an empty review, got %v", testCtx.Review)
	}
	return nil
}

func (testCtx *TestContext) theReviewReportsDuplicates(n int) error {
	return testCtx.duplicatesAreReported(n)
}

func (testCtx *TestContext) iCorrectTheMarkInTheReview(studentID, rawMark string) error {
	m, err := parseMark(rawMark)
	if err != nil {
		return err
	}
	for i := range testCtx.Review {
		if testCtx.Review[i].StudentID == studentID {
			testCtx.Review[i].Mark = m
			return nil
		}
	}
	return fmt.Errorf("%s is not in the review", studentID)
}

func (testCtx *TestContext) iCommitTheReview(name string) error {
	id, err := testCtx.sessionID(name)
	if err != nil {
		return err
	}
	if err := testCtx.doJSON(http.MethodPost, "/sessions/"+id+"/commit", server.CommitRequest{Records: testCtx.Review}); err != nil {
		return err
	}
	if testCtx.LastStatus != http.StatusOK {
		return nil
	}
	var resp server.CommitResponse
	if err := json.Unmarshal(testCtx.LastBody, &resp); err != nil {
		return fmt.Errorf("invalid commit response %s: %w", testCtx.LastBody, err)
	}
	testCtx.Result = reconcile.Result{Accepted: resp.Accepted, Duplicates: resp.Duplicates}
	return nil
}

func (testCtx *TestContext) theCommitAdds(added, duplicates int) error {
	if err := testCtx.theResponseStatusIs(http.StatusOK); err != nil {
		return err
	}
	if len(testCtx.Result.Accepted) != added {
		return fmt.Errorf("expected %d records added, got %d", added, len(testCtx.Result.Accepted))
	}
	return testCtx.duplicatesAreReported(duplicates)
}

func (testCtx *TestContext) iSetTheMarkInSession(studentID, name, rawMark string) error {
	sess, err := testCtx.session(name)
	if err != nil {
		return err
	}
	var patch struct {
		Mark *float64 `json:"mark"`
	}
	m, err := parseMark(rawMark)
	if err != nil {
		return err
	}
	if v, ok := m.Value(); ok {
		patch.Mark = &v
	}
	for _, rec := range sess.Marks {
		if rec.StudentID == studentID {
			return testCtx.doJSON(http.MethodPatch, "/sessions/"+sess.ID+"/marks/"+rec.ID, patch)
		}
	}
	return fmt.Errorf("%s is not in session %q", studentID, name)
}

func (testCtx *TestContext) iExportSession(name, format string) error {
	id, err := testCtx.sessionID(name)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet,
		testCtx.Server.URL+"/sessions/"+id+"/export?format="+url.QueryEscape(format), nil)
	if err != nil {
		return err
	}
	return testCtx.do(req)
}

func (testCtx *TestContext) theDownloadIsNamed(filename string) error {
	disposition := testCtx.LastHeader.Get("Content-Disposition")
	if !strings.Contains(disposition, `filename="`+filename+`"`) {
		return fmt.Errorf("expected download %q, got Content-Disposition %q", filename, disposition)
	}
	return nil
}

func (testCtx *TestContext) theExportedCSVIs(table *godog.Table) error {
	if err := testCtx.theResponseStatusIs(http.StatusOK); err != nil {
		return err
	}
	got, err := csv.NewReader(bytes.NewReader(testCtx.LastBody)).ReadAll()
	if err != nil {
		return fmt.Errorf("invalid CSV export: %w", err)
	}
	if len(got) != len(table.Rows) {
		return fmt.Errorf("expected %d CSV rows, got %d: %v", len(table.Rows), len(got), got)
	}
	for i, row := range table.Rows {
		if len(row.Cells) != len(got[i]) {
			return fmt.Errorf("row %d: expected %d columns, got %v", i+1, len(row.Cells), got[i])
		}
		for j, cell := range row.Cells {
			if cell.Value != got[i][j] {
				return fmt.Errorf("row %d column %d: expected %q, got %q", i+1, j+1, cell.Value, got[i][j])
			}
		}
	}
	return nil
}
