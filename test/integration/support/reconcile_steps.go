package support

import (
	"fmt"
	"path/filepath"

	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/MeKo-Tech/markscan/internal/reconcile"
	"github.com/MeKo-Tech/markscan/internal/store"
	"github.com/cucumber/godog"
)

// RegisterReconcileSteps registers session store and reconciliation steps.
func (testCtx *TestContext) RegisterReconcileSteps(sc *godog.ScenarioContext) {
	sc.Step(`^an empty session "([^"]*)" with maximum mark (\S+)$`, testCtx.anEmptySession)
	sc.Step(`^a session "([^"]*)" with maximum mark (\S+) holding:$`, testCtx.aSessionHolding)
	sc.Step(`^the extracted candidates:$`, testCtx.theRawCandidates)
	sc.Step(`^the candidates are reconciled against session "([^"]*)"$`, testCtx.theCandidatesAreReconciled)
	sc.Step(`^the accepted records are:$`, testCtx.theAcceptedRecordsAre)
	sc.Step(`^no records are accepted$`, testCtx.noRecordsAreAccepted)
	sc.Step(`^(\d+) duplicates? (?:is|are) reported$`, testCtx.duplicatesAreReported)
	sc.Step(`^the summary reads "([^"]*)"$`, testCtx.theSummaryReads)
	sc.Step(`^every accepted record has a unique identifier$`, testCtx.everyAcceptedRecordHasAUniqueIdentifier)
	sc.Step(`^another reviewer commits to session "([^"]*)":$`, testCtx.anotherReviewerCommits)
	sc.Step(`^the reviewed records are committed to session "([^"]*)"$`, testCtx.theReviewedRecordsAreCommitted)
	sc.Step(`^session "([^"]*)" holds:$`, testCtx.sessionHolds)
	sc.Step(`^the session store is reopened$`, testCtx.theSessionStoreIsReopened)
}

func (testCtx *TestContext) storePath() string {
	return filepath.Join(testCtx.TempDir, "sessions.yaml")
}

func (testCtx *TestContext) openStore() (*store.Store, error) {
	if testCtx.Store != nil {
		return testCtx.Store, nil
	}
	st, err := store.Open(testCtx.storePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	testCtx.Store = st
	return st, nil
}

func (testCtx *TestContext) session(name string) (marks.Session, error) {
	st, err := testCtx.openStore()
	if err != nil {
		return marks.Session{}, err
	}
	id, ok := testCtx.Sessions[name]
	if !ok {
		return marks.Session{}, fmt.Errorf("no session named %q in this scenario", name)
	}
	return st.Get(id)
}

func (testCtx *TestContext) anEmptySession(name, rawMax string) error {
	maxMark, err := parseMaxMark(rawMax)
	if err != nil {
		return err
	}
	st, err := testCtx.openStore()
	if err != nil {
		return err
	}
	sess, err := st.Create(name, maxMark)
	if err != nil {
		return err
	}
	testCtx.Sessions[name] = sess.ID
	return nil
}

func (testCtx *TestContext) aSessionHolding(name, rawMax string, table *godog.Table) error {
	if err := testCtx.anEmptySession(name, rawMax); err != nil {
		return err
	}
	return testCtx.anotherReviewerCommits(name, table)
}

func (testCtx *TestContext) theCandidatesAreReconciled(name string) error {
	sess, err := testCtx.session(name)
	if err != nil {
		return err
	}
	testCtx.Result = testCtx.Reconciler.Reconcile(sess.Marks, testCtx.Candidates)
	testCtx.Review = testCtx.Result.Accepted
	return nil
}

func (testCtx *TestContext) theAcceptedRecordsAre(table *godog.Table) error {
	want, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	return compareCandidates(want, toCandidates(testCtx.Result.Accepted))
}

func (testCtx *TestContext) noRecordsAreAccepted() error {
	if len(testCtx.Result.Accepted) != 0 {
		return fmt.Errorf("expected no accepted records, got %v", testCtx.Result.Accepted)
	}
	return nil
}

func (testCtx *TestContext) duplicatesAreReported(n int) error {
	if testCtx.Result.Duplicates != n {
		return fmt.Errorf("expected %d duplicates, got %d", n, testCtx.Result.Duplicates)
	}
	return nil
}

func (testCtx *TestContext) theSummaryReads(want string) error {
	if got := reconcile.Summary(testCtx.Result); got != want {
		return fmt.Errorf("expected summary %q, got %q", want, got)
	}
	return nil
}

func (testCtx *TestContext) everyAcceptedRecordHasAUniqueIdentifier() error {
	seen := make(map[string]bool)
	if st := testCtx.Store; st != nil {
		for _, sess := range st.List() {
			for _, m := range sess.Marks {
				seen[m.ID] = true
			}
		}
	}
	for _, rec := range testCtx.Result.Accepted {
		if rec.ID == "" {
			return fmt.Errorf("record %s has no identifier", rec.StudentID)
		}
		if seen[rec.ID] {
			return fmt.Errorf("identifier %s of record %s is not unique", rec.ID, rec.StudentID)
		}
		seen[rec.ID] = true
	}
	return nil
}

// anotherReviewerCommits appends records straight to the store, the way a
// second client finishing its own review would.
func (testCtx *TestContext) anotherReviewerCommits(name string, table *godog.Table) error {
	cs, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	sess, err := testCtx.session(name)
	if err != nil {
		return err
	}
	if _, err := testCtx.Store.Commit(sess.ID, testCtx.Reconciler.Tag(cs)); err != nil {
		return fmt.Errorf("commit to %q failed: %w", name, err)
	}
	return nil
}

func (testCtx *TestContext) theReviewedRecordsAreCommitted(name string) error {
	sess, err := testCtx.session(name)
	if err != nil {
		return err
	}
	res, err := testCtx.Store.Commit(sess.ID, testCtx.Review)
	if err != nil {
		return fmt.Errorf("commit to %q failed: %w", name, err)
	}
	testCtx.Result = res
	return nil
}

func (testCtx *TestContext) sessionHolds(name string, table *godog.Table) error {
	want, err := candidatesFromTable(table)
	if err != nil {
		return err
	}
	sess, err := testCtx.session(name)
	if err != nil {
		return err
	}
	return compareCandidates(want, toCandidates(sess.Marks))
}

func (testCtx *TestContext) theSessionStoreIsReopened() error {
	testCtx.Store = nil
	_, err := testCtx.openStore()
	return err
}

func toCandidates(records []marks.StudentMark) []marks.Candidate {
	out := make([]marks.Candidate, len(records))
	for i, r := range records {
		out[i] = r.Candidate()
	}
	return out
}
