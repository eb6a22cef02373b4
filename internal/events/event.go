// Package events turns internal domain events into pipeline runs.
//
// Events are published from request paths and must never hold them up:
// Publish only enqueues, and a fixed pool of workers evaluates the feature
// flags and calls the handler for the event's kind.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind identifies a domain event.
type Kind string

// Event kinds
const (
	KindNewResult            Kind = "new_result"
	KindBuildFailed          Kind = "build_failed"
	KindProgressStalled      Kind = "progress_stalled"
	KindCompetencyJOLSet     Kind = "competency_jol_set"
	KindLectureUnitPublished Kind = "lecture_unit_published"
	KindFaqUpdated           Kind = "faq_updated"
)

var knownKinds = map[Kind]bool{
	KindNewResult:            true,
	KindBuildFailed:          true,
	KindProgressStalled:      true,
	KindCompetencyJOLSet:     true,
	KindLectureUnitPublished: true,
	KindFaqUpdated:           true,
}

// Known reports whether k is a supported event kind.
func (k Kind) Known() bool {
	return knownKinds[k]
}

// ErrQueueFull is returned when the router's queue is full and the event is rejected.
var ErrQueueFull = errors.New("event queue full, event rejected")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event router is closed")

// Event is a domain event that may start a pipeline. Ids that do not apply
// to the kind are zero.
type Event struct {
	ID            string            `json:"id,omitempty"`
	Kind          Kind              `json:"kind"`
	CourseID      int64             `json:"courseId"`
	ExerciseID    int64             `json:"exerciseId,omitempty"`
	LectureID     int64             `json:"lectureId,omitempty"`
	LectureUnitID int64             `json:"lectureUnitId,omitempty"`
	FaqID         int64             `json:"faqId,omitempty"`
	SessionID     int64             `json:"sessionId,omitempty"`
	UserID        int64             `json:"userId,omitempty"`
	SubmissionID  int64             `json:"submissionId,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt,omitzero"`
}

// Handler reacts to one kind of event.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// FlagProvider decides whether the feature behind an event is enabled for
// the entity the event belongs to.
type FlagProvider interface {
	IsEnabledFor(ctx context.Context, kind Kind, e Event) bool
}

// StaticFlags is a FlagProvider backed by configuration. A kind is enabled
// when listed, unless the event's course is disabled.
type StaticFlags struct {
	mu              sync.RWMutex
	enabled         map[Kind]bool
	disabledCourses map[int64]bool
}

// NewStaticFlags creates flags with the given kinds enabled.
func NewStaticFlags(enabled []Kind, disabledCourses []int64) *StaticFlags {
	f := &StaticFlags{
		enabled:         make(map[Kind]bool, len(enabled)),
		disabledCourses: make(map[int64]bool, len(disabledCourses)),
	}
	for _, k := range enabled {
		f.enabled[k] = true
	}
	for _, id := range disabledCourses {
		f.disabledCourses[id] = true
	}
	return f
}

// IsEnabledFor implements FlagProvider.
func (f *StaticFlags) IsEnabledFor(_ context.Context, kind Kind, e Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled[kind] && !f.disabledCourses[e.CourseID]
}

// SetEnabled toggles a kind at runtime.
func (f *StaticFlags) SetEnabled(kind Kind, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[kind] = enabled
}

// SetCourseDisabled toggles all events of one course.
func (f *StaticFlags) SetCourseDisabled(courseID int64, disabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabledCourses[courseID] = disabled
}
