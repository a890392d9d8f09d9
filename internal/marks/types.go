// Package marks holds the record types shared by the extraction pipeline,
// the reconciler and the session store, plus the numeric range validation
// every engine runs its output through.
package marks

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BoundingBox is an axis-aligned box in image pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// CenterY returns the vertical center of the box.
func (b BoundingBox) CenterY() float64 { return b.Y + b.Height/2 }

// Fragment is one recognized text span with its position on the sheet.
type Fragment struct {
	Text string      `json:"text"`
	Box  BoundingBox `json:"box"`
}

// Line is a run of fragments lying on the same physical row, sorted left to right.
type Line []Fragment

// Texts returns the raw text of each fragment in order.
func (l Line) Texts() []string {
	out := make([]string, len(l))
	for i, f := range l {
		out[i] = f.Text
	}
	return out
}

// Candidate is an extracted (student ID, mark) pair that has not been committed yet.
// StudentID is kept exactly as recognized.
type Candidate struct {
	StudentID string `json:"studentId" yaml:"student_id"`
	Mark      Mark   `json:"mark" yaml:"mark"`
}

// StudentMark is a candidate accepted into a session, carrying a unique record ID.
type StudentMark struct {
	ID        string `json:"id" yaml:"id"`
	StudentID string `json:"studentId" yaml:"student_id"`
	Mark      Mark   `json:"mark" yaml:"mark"`
}

// Candidate drops the record identity.
func (m StudentMark) Candidate() Candidate {
	return Candidate{StudentID: m.StudentID, Mark: m.Mark}
}

// Session is a named collection of committed records sharing one mark scale.
type Session struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	MaxMark   float64       `json:"maxMark" yaml:"max_mark"`
	Marks     []StudentMark `json:"marks" yaml:"marks"`
	CreatedAt time.Time     `json:"createdAt" yaml:"created_at"`
}

// ErrInvalidSession is returned when session attributes break an invariant.
var ErrInvalidSession = errors.New("invalid session")

// NewSession validates the attributes of a new, empty session.
// The caller assigns the ID.
func NewSession(id, name string, maxMark float64, now time.Time) (Session, error) {
	if strings.TrimSpace(name) == "" {
		return Session{}, fmt.Errorf("%w: name must not be empty", ErrInvalidSession)
	}
	if err := ValidateMaxMark(maxMark); err != nil {
		return Session{}, err
	}
	return Session{
		ID:        id,
		Name:      strings.TrimSpace(name),
		MaxMark:   maxMark,
		Marks:     []StudentMark{},
		CreatedAt: now.UTC(),
	}, nil
}

// ValidateMaxMark checks that a mark scale is a positive finite number.
func ValidateMaxMark(maxMark float64) error {
	if !isFinite(maxMark) || maxMark <= 0 {
		return fmt.Errorf("%w: max mark must be a positive number, got %v", ErrInvalidSession, maxMark)
	}
	return nil
}

// StudentIDs returns the set of student IDs present in the records.
func StudentIDs(records []StudentMark) map[string]struct{} {
	ids := make(map[string]struct{}, len(records))
	for _, r := range records {
		ids[r.StudentID] = struct{}{}
	}
	return ids
}
