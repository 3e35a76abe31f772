package domain

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalStage is one of the fixed workflow states every tracker-specific
// status name is mapped onto.
type CanonicalStage string

const (
	StageBacklog          CanonicalStage = "BACKLOG"
	StageReadyForGrooming CanonicalStage = "READY_FOR_GROOMING"
	StageReadyForDev      CanonicalStage = "READY_FOR_DEV"
	StageInProgress       CanonicalStage = "IN_PROGRESS"
	StageInReview         CanonicalStage = "IN_REVIEW"
	StageInQA             CanonicalStage = "IN_QA"
	StageReadyForRelease  CanonicalStage = "READY_FOR_RELEASE"
	StageDone             CanonicalStage = "DONE"
	StageBlocked          CanonicalStage = "BLOCKED"

	// StageDraft is an informal pseudo-stage. It is never a legal mapping
	// target; only the literal status resolver produces it, and only the
	// stage-based lead time consumes it.
	StageDraft CanonicalStage = "DRAFT"
)

// Stages lists the canonical stages accepted in workflow mappings. DRAFT is
// deliberately absent.
func Stages() []CanonicalStage {
	return []CanonicalStage{
		StageBacklog, StageReadyForGrooming, StageReadyForDev, StageInProgress,
		StageInReview, StageInQA, StageReadyForRelease, StageDone, StageBlocked,
	}
}

// Valid reports whether s is one of the nine mappable canonical stages.
func (s CanonicalStage) Valid() bool {
	switch s {
	case StageBacklog, StageReadyForGrooming, StageReadyForDev, StageInProgress,
		StageInReview, StageInQA, StageReadyForRelease, StageDone, StageBlocked:
		return true
	}
	return false
}

// ParseStage validates a caller-supplied canonical stage value. Unknown values
// are rejected here, at the configuration boundary, never coerced downstream.
func ParseStage(raw string) (CanonicalStage, error) {
	s := CanonicalStage(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid canonical stage %q", raw)
	}
	return s, nil
}

// WorkflowMapping maps a tracker-specific status name to a canonical stage for
// one project. Many raw names may map to the same stage.
type WorkflowMapping struct {
	ProjectID int64
	RawStatus string
	Stage     CanonicalStage
}

// StatusChangeEvent is a single status transition derived from a changelog
// entry whose field is "status". From is empty when the tracker reported no
// prior status.
type StatusChangeEvent struct {
	At   time.Time
	From string
	To   string
}

type Project struct {
	ID   int64
	Key  string
	Name string
}

type Issue struct {
	ID          int64
	Key         string
	ProjectID   int64
	Type        string
	Sprint      string
	StoryPoints *float64
	StatusLast  string
	CreatedAt   *time.Time
	ResolvedAt  *time.Time
}
