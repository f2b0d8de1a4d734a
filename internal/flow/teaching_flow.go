package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/quiz"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
	"github.com/BTreeMap/TutorPipe/internal/store"
)

const (
	// PassingScore is the minimum quiz score that advances the lesson.
	PassingScore = 0.70

	// historyWindow is how many trailing history entries are sent to the
	// model on a teaching turn.
	historyWindow = 6
)

const quizApologyReply = "Sorry, I couldn't put a quiz together just now. Let's keep going with the lesson and try again in a bit."

// TeachingFlow drives the tutoring conversation: teaching turns, quiz
// generation, answer collection, and grading.
type TeachingFlow struct {
	store        store.Store
	stateManager StateManager
	client       genai.ClientInterface
	retriever    *retrieval.Retriever
	generator    *quiz.Generator
	evaluator    *quiz.Evaluator

	locks    *userLocks
	sessions *sessionCache
}

// NewTeachingFlow creates a teaching flow over the given dependencies.
func NewTeachingFlow(s store.Store, sm StateManager, client genai.ClientInterface, r *retrieval.Retriever, g *quiz.Generator, e *quiz.Evaluator) *TeachingFlow {
	return &TeachingFlow{
		store:        s,
		stateManager: sm,
		client:       client,
		retriever:    r,
		generator:    g,
		evaluator:    e,
		locks:        newUserLocks(),
		sessions:     newSessionCache(),
	}
}

// Step processes one user utterance and returns the assistant's reply along
// with the resulting phase and lesson. Turns for the same user are
// serialized.
func (f *TeachingFlow) Step(ctx context.Context, userID, utterance string, source models.Source) (*models.StepResult, error) {
	lock := f.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	progress, err := f.store.GetOrCreateProgress(userID)
	if err != nil {
		slog.Error("TeachingFlow.Step: progress lookup failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	// The utterance goes into history before any model call so a failed
	// turn never silently drops input.
	if err := f.store.AppendHistory(userID, models.SenderUser, utterance); err != nil {
		slog.Error("TeachingFlow.Step: failed to record utterance", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	phase, err := f.stateManager.GetCurrentState(ctx, userID, models.FlowTypeTeaching)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}
	if phase == "" {
		phase = models.StateTeaching
	}

	var reply string
	var nextPhase models.StateType
	switch phase {
	case models.StateAwaitingQuizAnswers:
		reply, nextPhase, err = f.stepQuiz(ctx, userID, progress, utterance)
	default:
		reply, nextPhase, err = f.stepTeaching(ctx, userID, progress, utterance, source)
	}
	if err != nil {
		return nil, err
	}

	if err := f.store.AppendHistory(userID, models.SenderAssistant, reply); err != nil {
		slog.Error("TeachingFlow.Step: failed to record reply", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}
	if err := f.store.TouchProgress(userID); err != nil {
		slog.Warn("TeachingFlow.Step: failed to touch progress", "userID", userID, "error", err)
	}

	// Grading may have advanced the lesson; re-read for an accurate result.
	progress, err = f.store.GetOrCreateProgress(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	title, err := f.retriever.LessonTitle(progress.CurrentLessonID)
	if err != nil {
		title = ""
	}

	return &models.StepResult{
		Reply:       reply,
		Phase:       nextPhase,
		LessonID:    progress.CurrentLessonID,
		LessonTitle: title,
	}, nil
}

// stepTeaching handles a turn in the teaching phase: either starts a quiz or
// produces a teaching reply grounded in retrieved lesson content.
func (f *TeachingFlow) stepTeaching(ctx context.Context, userID string, progress *models.UserProgress, utterance string, source models.Source) (string, models.StateType, error) {
	if isQuizIntent(utterance) && !isCancelQuiz(utterance) {
		return f.startQuiz(ctx, userID, progress.CurrentLessonID)
	}

	reply, err := f.teach(ctx, userID, progress.CurrentLessonID, utterance, source)
	if err != nil {
		return "", "", err
	}
	return reply, models.StateTeaching, nil
}

// teach composes a lesson-grounded prompt and asks the model for a reply.
func (f *TeachingFlow) teach(ctx context.Context, userID string, lessonID int, utterance string, source models.Source) (string, error) {
	lessonTitle := ""
	content, err := f.retriever.RetrieveText(ctx, lessonID, utterance, 0)
	switch {
	case err == nil:
		if t, terr := f.retriever.LessonTitle(lessonID); terr == nil {
			lessonTitle = t
		}
	case errors.Is(err, models.ErrLessonNotIngested):
		slog.Warn("TeachingFlow.teach: no lesson content, using generic prompt", "userID", userID, "lessonID", lessonID)
		content = ""
	default:
		slog.Error("TeachingFlow.teach: retrieval failed", "userID", userID, "lessonID", lessonID, "error", err)
		return "", fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(teachingSystemPrompt(lessonID, lessonTitle, content, source)),
	}
	messages = append(messages, f.trailingHistory(userID)...)

	reply, err := f.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Error("TeachingFlow.teach: model call failed", "userID", userID, "error", err)
		return "", fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	return reply, nil
}

// trailingHistory maps the most recent history entries (including the
// just-recorded utterance) to chat messages.
func (f *TeachingFlow) trailingHistory(userID string) []openai.ChatCompletionMessageParamUnion {
	entries, err := f.store.GetHistory(userID)
	if err != nil {
		slog.Warn("TeachingFlow.trailingHistory: history load failed", "userID", userID, "error", err)
		return nil
	}
	if len(entries) > historyWindow+1 {
		entries = entries[len(entries)-historyWindow-1:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(entries))
	for _, e := range entries {
		if e.Sender == models.SenderAssistant {
			messages = append(messages, openai.AssistantMessage(e.Text))
		} else {
			messages = append(messages, openai.UserMessage(e.Text))
		}
	}
	return messages
}

// startQuiz generates a quiz for the lesson and presents its first question.
// A generation failure is absorbed into an apology so the user stays in the
// teaching phase.
func (f *TeachingFlow) startQuiz(ctx context.Context, userID string, lessonID int) (string, models.StateType, error) {
	title, err := f.retriever.LessonTitle(lessonID)
	if err != nil {
		if errors.Is(err, models.ErrLessonNotIngested) {
			slog.Warn("TeachingFlow.startQuiz: lesson not ingested", "userID", userID, "lessonID", lessonID)
			return "I don't have content loaded for this lesson yet, so I can't quiz you on it. Ask me anything in the meantime!", models.StateTeaching, nil
		}
		return "", "", fmt.Errorf("%w: %v", models.ErrQuizGenerationFailed, err)
	}

	questions, err := f.generator.Generate(ctx, lessonID, title)
	if err != nil {
		slog.Error("TeachingFlow.startQuiz: generation failed", "userID", userID, "lessonID", lessonID, "error", err)
		return quizApologyReply, models.StateTeaching, nil
	}

	f.sessions.put(userID, &quizSession{LessonID: lessonID, LessonTitle: title, Questions: questions})
	if err := f.stateManager.SetCurrentState(ctx, userID, models.FlowTypeTeaching, models.StateAwaitingQuizAnswers); err != nil {
		f.sessions.drop(userID)
		return "", "", fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	reply := fmt.Sprintf("Quiz time for %s! Answer one question at a time.\n\n%s", title, quiz.FormatQuestion(1, questions[0]))
	return reply, models.StateAwaitingQuizAnswers, nil
}

// stepQuiz handles a turn while a quiz is in progress: collects answers,
// presents the next question, or grades the completed quiz.
func (f *TeachingFlow) stepQuiz(ctx context.Context, userID string, progress *models.UserProgress, utterance string) (string, models.StateType, error) {
	if isCancelQuiz(utterance) {
		f.sessions.drop(userID)
		if err := f.stateManager.SetCurrentState(ctx, userID, models.FlowTypeTeaching, models.StateTeaching); err != nil {
			return "", "", fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
		}
		return "No problem, quiz cancelled. We'll pick the lesson back up. Say \"quiz me\" whenever you're ready to try again.", models.StateTeaching, nil
	}

	session := f.sessions.get(userID)
	if session == nil {
		// Quiz questions are never persisted, so a restart mid-quiz means
		// the session is gone. Start over with a fresh quiz.
		slog.Info("TeachingFlow.stepQuiz: no cached quiz, regenerating", "userID", userID, "lessonID", progress.CurrentLessonID)
		reply, nextPhase, err := f.startQuiz(ctx, userID, progress.CurrentLessonID)
		if err != nil {
			return "", "", err
		}
		if nextPhase != models.StateAwaitingQuizAnswers {
			if serr := f.stateManager.SetCurrentState(ctx, userID, models.FlowTypeTeaching, models.StateTeaching); serr != nil {
				return "", "", fmt.Errorf("%w: %v", models.ErrPersistenceFailed, serr)
			}
			return reply, nextPhase, nil
		}
		return "Looks like we got interrupted, so here's a fresh quiz.\n\n" + reply, nextPhase, nil
	}

	session.Answers = append(session.Answers, utterance)
	if len(session.Answers) < len(session.Questions) {
		next := len(session.Answers)
		return quiz.FormatQuestion(next+1, session.Questions[next]), models.StateAwaitingQuizAnswers, nil
	}

	return f.grade(ctx, userID, session)
}

// grade evaluates the completed quiz, updates progress, and composes the
// feedback reply.
func (f *TeachingFlow) grade(ctx context.Context, userID string, session *quizSession) (string, models.StateType, error) {
	result, err := f.evaluator.Evaluate(ctx, session.Questions, session.Answers)
	if err != nil {
		// Leave the last answer unconsumed so the user can resend it once
		// the grader is healthy again.
		session.Answers = session.Answers[:len(session.Answers)-1]
		slog.Error("TeachingFlow.grade: evaluation failed", "userID", userID, "error", err)
		return "", "", err
	}

	passed := result.Score >= PassingScore
	if err := f.store.UpdateProgress(userID, session.LessonID, result.Score, passed); err != nil {
		slog.Error("TeachingFlow.grade: progress update failed", "userID", userID, "error", err)
		return "", "", fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	f.sessions.drop(userID)
	if err := f.stateManager.SetCurrentState(ctx, userID, models.FlowTypeTeaching, models.StateTeaching); err != nil {
		return "", "", fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	return formatGradeReply(session, result, passed), models.StateTeaching, nil
}

// formatGradeReply composes the post-quiz feedback message.
func formatGradeReply(session *quizSession, result *quiz.Result, passed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You scored %d out of %d (%.0f%%).\n\n", result.Points, result.Total, result.Score*100)
	for _, line := range result.Feedback {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if passed {
		fmt.Fprintf(&b, "\nNice work, you passed %s! Moving on to lesson %d.", session.LessonTitle, session.LessonID+1)
	} else {
		fmt.Fprintf(&b, "\nNot quite there yet. Let's review %s some more, then say \"quiz me\" to try again.", session.LessonTitle)
	}
	return b.String()
}

// teachingSystemPrompt composes the system prompt for a teaching turn.
func teachingSystemPrompt(lessonID int, lessonTitle, content string, source models.Source) string {
	var b strings.Builder
	b.WriteString("You are a friendly, encouraging tutor. Teach the student the current lesson: ")
	if lessonTitle != "" {
		fmt.Fprintf(&b, "%q (lesson %d). ", lessonTitle, lessonID)
	} else {
		fmt.Fprintf(&b, "lesson %d. ", lessonID)
	}
	b.WriteString("Keep replies conversational and focused. When the student seems comfortable with the material, suggest they say \"quiz me\" to test their knowledge.")

	if content != "" {
		b.WriteString("\n\nGround your teaching in this lesson content:\n\n")
		b.WriteString(content)
	} else {
		b.WriteString("\n\nNo lesson content is loaded; answer from general knowledge and say so when unsure.")
	}

	if source == models.SourceUI {
		b.WriteString("\n\nFormat your reply with markdown.")
	}
	return b.String()
}
