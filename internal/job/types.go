// Package job defines pipeline jobs, their stages and status updates.
//
// A Job is an identity record: the token issued at registration, the kind
// of pipeline it tracks and the ids needed to route results back to the
// right course, exercise, lecture or chat session. Progress lives in the
// stages reported by the pipeline service, not on the Job itself; handlers
// may stash small pieces of state in Data.
package job

import (
	"fmt"
	"slices"
)

// Kind discriminates the pipeline a job belongs to.
type Kind string

// Job kinds
const (
	KindCourseChat             Kind = "course_chat"
	KindExerciseChat           Kind = "exercise_chat"
	KindTextExerciseChat       Kind = "text_exercise_chat"
	KindLectureChat            Kind = "lecture_chat"
	KindCompetencyExtraction   Kind = "competency_extraction"
	KindRewriting              Kind = "rewriting"
	KindConsistencyCheck       Kind = "consistency_check"
	KindTutorSuggestion        Kind = "tutor_suggestion"
	KindLectureIngestion       Kind = "lecture_ingestion"
	KindFaqIngestion           Kind = "faq_ingestion"
	KindTranscriptionIngestion Kind = "transcription_ingestion"
)

// kindInfo holds the route slug and whether the kind reports through the
// webhook callback routes.
type kindInfo struct {
	slug      string
	ingestion bool
}

var kinds = map[Kind]kindInfo{
	KindCourseChat:             {slug: "course-chat"},
	KindExerciseChat:           {slug: "programming-exercise-chat"},
	KindTextExerciseChat:       {slug: "text-exercise-chat"},
	KindLectureChat:            {slug: "lecture-chat"},
	KindCompetencyExtraction:   {slug: "competency-extraction"},
	KindRewriting:              {slug: "rewriting"},
	KindConsistencyCheck:       {slug: "consistency-check"},
	KindTutorSuggestion:        {slug: "tutor-suggestion"},
	KindLectureIngestion:       {slug: "lectures", ingestion: true},
	KindFaqIngestion:           {slug: "faqs", ingestion: true},
	KindTranscriptionIngestion: {slug: "transcriptions", ingestion: true},
}

// Kinds returns all known job kinds in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Slug returns the URL path segment used by the kind's callback route.
func (k Kind) Slug() string {
	return kinds[k].slug
}

// Ingestion reports whether the kind is an ingestion webhook job.
func (k Kind) Ingestion() bool {
	return kinds[k].ingestion
}

// KindFromSlug resolves a callback route segment. ingestion selects the
// webhook route family; a pipeline slug never matches a webhook route.
func KindFromSlug(slug string, ingestion bool) (Kind, bool) {
	for k, info := range kinds {
		if info.slug == slug && info.ingestion == ingestion {
			return k, true
		}
	}
	return "", false
}

// Job tracks one asynchronous pipeline invocation.
type Job struct {
	Token         string            `json:"token"`
	Kind          Kind              `json:"kind"`
	CourseID      int64             `json:"courseId,omitempty"`
	SessionID     int64             `json:"sessionId,omitempty"`
	ExerciseID    int64             `json:"exerciseId,omitempty"`
	LectureID     int64             `json:"lectureId,omitempty"`
	LectureUnitID int64             `json:"lectureUnitId,omitempty"`
	FaqID         int64             `json:"faqId,omitempty"`
	SubmissionID  int64             `json:"submissionId,omitempty"`
	UserID        int64             `json:"userId,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// Factory builds the job to be stored under a freshly issued token.
type Factory func(token string) Job

// WithData returns a copy of the job with key set in Data.
// The receiver's map is never mutated so values read from a registry can be
// shared safely.
func (j Job) WithData(key, value string) Job {
	data := make(map[string]string, len(j.Data)+1)
	for k, v := range j.Data {
		data[k] = v
	}
	data[key] = value
	j.Data = data
	return j
}

// String identifies the job in logs without exposing the full token.
func (j Job) String() string {
	return fmt.Sprintf("%s(%s)", j.Kind, RedactToken(j.Token))
}

// RedactToken shortens a bearer token for logging.
func RedactToken(token string) string {
	const hidden = 16
	if len(token) <= hidden {
		return "***"
	}
	return token[:len(token)-hidden] + "***"
}

// CourseChat returns a factory for course chat jobs.
func CourseChat(courseID, sessionID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindCourseChat, CourseID: courseID, SessionID: sessionID, UserID: userID}
	}
}

// ExerciseChat returns a factory for programming exercise chat jobs.
func ExerciseChat(courseID, exerciseID, sessionID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindExerciseChat, CourseID: courseID, ExerciseID: exerciseID, SessionID: sessionID, UserID: userID}
	}
}

// TextExerciseChat returns a factory for text exercise chat jobs.
func TextExerciseChat(courseID, exerciseID, sessionID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindTextExerciseChat, CourseID: courseID, ExerciseID: exerciseID, SessionID: sessionID, UserID: userID}
	}
}

// LectureChat returns a factory for lecture chat jobs.
func LectureChat(courseID, lectureID, sessionID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindLectureChat, CourseID: courseID, LectureID: lectureID, SessionID: sessionID, UserID: userID}
	}
}

// CompetencyExtraction returns a factory for competency extraction jobs.
func CompetencyExtraction(courseID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindCompetencyExtraction, CourseID: courseID, UserID: userID}
	}
}

// Rewriting returns a factory for text rewriting jobs.
func Rewriting(courseID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindRewriting, CourseID: courseID, UserID: userID}
	}
}

// ConsistencyCheck returns a factory for exercise consistency check jobs.
func ConsistencyCheck(courseID, exerciseID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindConsistencyCheck, CourseID: courseID, ExerciseID: exerciseID, UserID: userID}
	}
}

// TutorSuggestion returns a factory for tutor suggestion jobs.
func TutorSuggestion(courseID, exerciseID, sessionID, userID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindTutorSuggestion, CourseID: courseID, ExerciseID: exerciseID, SessionID: sessionID, UserID: userID}
	}
}

// LectureIngestion returns a factory for lecture unit ingestion jobs.
func LectureIngestion(courseID, lectureID, lectureUnitID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindLectureIngestion, CourseID: courseID, LectureID: lectureID, LectureUnitID: lectureUnitID}
	}
}

// FaqIngestion returns a factory for FAQ ingestion jobs.
func FaqIngestion(courseID, faqID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindFaqIngestion, CourseID: courseID, FaqID: faqID}
	}
}

// TranscriptionIngestion returns a factory for lecture transcription ingestion jobs.
func TranscriptionIngestion(courseID, lectureID, lectureUnitID int64) Factory {
	return func(token string) Job {
		return Job{Token: token, Kind: KindTranscriptionIngestion, CourseID: courseID, LectureID: lectureID, LectureUnitID: lectureUnitID}
	}
}
