// Package models defines the core data structures for TutorPipe.
//
// It includes types for lesson content, quizzes, user progress, and
// conversation history, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Source identifies the channel a turn arrived on. It only affects reply
// formatting (UI requests get markdown), never routing.
type Source string

const (
	// SourceUI marks turns coming from the chat front-end.
	SourceUI Source = "ui"
	// SourceCLI marks turns coming from a command-line client.
	SourceCLI Source = "cli"
	// SourceVoice marks turns coming from a voice relay.
	SourceVoice Source = "voice"
)

// IsValidSource checks if the given source is supported.
func IsValidSource(s Source) bool {
	switch s {
	case SourceUI, SourceCLI, SourceVoice:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an incoming utterance
	MaxMessageLength = 4096
	// MaxHistoryEntries defines the per-user conversation history cap.
	// Appending beyond the cap evicts the oldest entries first.
	MaxHistoryEntries = 100
)

// Quiz shape constants. Every generated quiz has exactly this composition.
const (
	// QuizQuestionCount is the total number of questions per quiz
	QuizQuestionCount = 5
	// QuizMultipleChoiceCount is the number of multiple-choice questions per quiz
	QuizMultipleChoiceCount = 3
	// QuizFillBlankCount is the number of fill-in-the-blank questions per quiz
	QuizFillBlankCount = 1
	// QuizShortAnswerCount is the number of short-answer questions per quiz
	QuizShortAnswerCount = 1
	// QuizChoiceCount is the number of options per multiple-choice question
	QuizChoiceCount = 4
)

// Error kinds recovered at the turn boundary. Callers match these with
// errors.Is after the lower layers wrap them with context.
var (
	// ErrLessonNotIngested indicates the current lesson has no chunks in the
	// corpus. Non-fatal: the flow falls back to a generic teaching prompt.
	ErrLessonNotIngested = errors.New("lesson has no ingested content")
	// ErrGenerationFailed indicates the LLM capability failed (timeout or
	// provider error). The turn aborts without a phase transition.
	ErrGenerationFailed = errors.New("response generation failed")
	// ErrQuizGenerationFailed indicates the model returned a malformed quiz
	// after the retry. The flow stays in the teaching phase.
	ErrQuizGenerationFailed = errors.New("quiz generation failed")
	// ErrQuizEvaluationFailed indicates the evaluator capability failed. The
	// quiz stays open and the last answer is not consumed.
	ErrQuizEvaluationFailed = errors.New("quiz evaluation failed")
	// ErrPersistenceFailed indicates the store is unavailable. No reply is
	// considered delivered until history persistence succeeds.
	ErrPersistenceFailed = errors.New("persistence failed")
)

// Validation error variables for turn requests
var (
	ErrEmptyUserID    = errors.New("user_id cannot be empty")
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrInvalidSource  = errors.New("invalid source")
)

// QuizKind identifies the answer format of a quiz question.
type QuizKind string

const (
	// QuizKindMultipleChoice expects one of four labeled options.
	QuizKindMultipleChoice QuizKind = "multiple_choice"
	// QuizKindFillBlank expects the missing word or phrase.
	QuizKindFillBlank QuizKind = "fill_blank"
	// QuizKindShortAnswer expects free text, graded semantically.
	QuizKindShortAnswer QuizKind = "short_answer"
)

// IsValidQuizKind checks if the given quiz kind is supported.
func IsValidQuizKind(k QuizKind) bool {
	switch k {
	case QuizKindMultipleChoice, QuizKindFillBlank, QuizKindShortAnswer:
		return true
	default:
		return false
	}
}

// QuizQuestion is a single generated question. Questions are regenerated for
// every attempt and never persisted, so answers cannot leak across resumed
// sessions; only the resulting score is durable.
type QuizQuestion struct {
	ID            int      `json:"id"`
	Kind          QuizKind `json:"kind"`
	Prompt        string   `json:"prompt"`
	Choices       []string `json:"choices,omitempty"` // multiple choice only
	CorrectAnswer string   `json:"correct_answer"`
}

// Sender values for history entries.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// HistoryEntry is one message in a user's durable conversation log.
type HistoryEntry struct {
	ID        string    `json:"-"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// UserProgress is the durable per-user record of where the learner is in the
// lesson sequence. CurrentLessonID never decreases.
type UserProgress struct {
	UserID           string          `json:"user_id"`
	CurrentLessonID  int             `json:"current_lesson_id"`
	CompletedLessons []int           `json:"completed_lessons"`
	LessonScores     map[int]float64 `json:"lesson_scores"`
	CreatedAt        time.Time       `json:"created_at"`
	LastAccessed     time.Time       `json:"last_accessed"`
}

// ProgressRecord is the external JSON shape of a user's persisted state:
// progress plus the trailing conversation history.
type ProgressRecord struct {
	UserProgress
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// LessonChunk is one embedded span of lesson text. Immutable once ingested.
type LessonChunk struct {
	ID          string    `json:"id"`
	LessonID    int       `json:"lesson_id"`
	LessonTitle string    `json:"lesson_title"`
	Text        string    `json:"text"`
	Embedding   []float64 `json:"embedding"`
}

// LessonInfo summarizes one ingested lesson.
type LessonInfo struct {
	LessonID   int    `json:"lesson_id"`
	Title      string `json:"title"`
	ChunkCount int    `json:"chunk_count"`
}

// StepRequest is the payload for one workflow turn.
type StepRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Source  Source `json:"source,omitempty"`
}

// Validate performs validation on a StepRequest. An empty source defaults to
// SourceUI so legacy clients keep working.
func (r *StepRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if r.Source == "" {
		r.Source = SourceUI
	}
	if !IsValidSource(r.Source) {
		return ErrInvalidSource
	}
	return nil
}

// StepResult is the outcome of one workflow turn.
type StepResult struct {
	Reply       string    `json:"reply"`
	Phase       StateType `json:"phase"`
	LessonID    int       `json:"lesson_id"`
	LessonTitle string    `json:"lesson_title"`
}

// FlowState persists the durable phase marker for a participant in a flow, so
// a resumed session re-enters the phase it left (teaching vs mid-quiz).
type FlowState struct {
	ParticipantID string    `json:"participant_id"`
	FlowType      FlowType  `json:"flow_type"`
	CurrentState  StateType `json:"current_state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
