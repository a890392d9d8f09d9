// Package reconcile decides which extracted candidates may join a session.
//
// A candidate is accepted only if no existing record of the session carries
// the same student ID (exact, case-sensitive match). Duplicates are dropped
// whole; they never patch an existing record. The rule runs twice: once to
// build the review list and again at commit time against the session as it
// is then, so records added in between are still respected.
package reconcile

import (
	"github.com/MeKo-Tech/markscan/internal/marks"
	"github.com/google/uuid"
)

// Result is the outcome of a reconciliation.
type Result struct {
	Accepted   []marks.StudentMark `json:"accepted"`
	Duplicates int                 `json:"duplicates"`
}

// Reconciler assigns record IDs and applies the uniqueness rule.
type Reconciler struct {
	NewID func() string
}

// New returns a Reconciler that assigns random UUIDs.
func New() *Reconciler {
	return &Reconciler{NewID: uuid.NewString}
}

func (r *Reconciler) newID() string {
	if r == nil || r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}

// Tag gives every candidate a fresh record ID, keeping order.
func (r *Reconciler) Tag(candidates []marks.Candidate) []marks.StudentMark {
	out := make([]marks.StudentMark, len(candidates))
	for i, c := range candidates {
		out[i] = marks.StudentMark{ID: r.newID(), StudentID: c.StudentID, Mark: c.Mark}
	}
	return out
}

// Reconcile tags the candidates whose student ID is not yet among existing.
// Candidates sharing an ID with each other are all kept.
func (r *Reconciler) Reconcile(existing []marks.StudentMark, candidates []marks.Candidate) Result {
	known := marks.StudentIDs(existing)
	res := Result{Accepted: make([]marks.StudentMark, 0, len(candidates))}
	for _, c := range candidates {
		if _, dup := known[c.StudentID]; dup {
			res.Duplicates++
			continue
		}
		res.Accepted = append(res.Accepted, marks.StudentMark{ID: r.newID(), StudentID: c.StudentID, Mark: c.Mark})
	}
	return res
}

// Filter applies the uniqueness rule to an already tagged list, keeping the
// record IDs assigned at review time.
func Filter(existing, pending []marks.StudentMark) Result {
	known := marks.StudentIDs(existing)
	res := Result{Accepted: make([]marks.StudentMark, 0, len(pending))}
	for _, p := range pending {
		if _, dup := known[p.StudentID]; dup {
			res.Duplicates++
			continue
		}
		res.Accepted = append(res.Accepted, p)
	}
	return res
}

// Merge returns a copy of session with the non-duplicate pending records
// appended. The input session is not modified.
func Merge(session marks.Session, pending []marks.StudentMark) (marks.Session, Result) {
	res := Filter(session.Marks, pending)
	merged := make([]marks.StudentMark, 0, len(session.Marks)+len(res.Accepted))
	merged = append(merged, session.Marks...)
	merged = append(merged, res.Accepted...)
	session.Marks = merged
	return session, res
}
