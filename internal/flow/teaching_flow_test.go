package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/quiz"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
	"github.com/BTreeMap/TutorPipe/internal/store"
)

const testQuizJSON = `{
	"questions": [
		{"kind": "multiple_choice", "prompt": "What holds a value?", "choices": ["a variable", "a loop", "a comment", "a file"], "correct_answer": "a variable"},
		{"kind": "multiple_choice", "prompt": "Which keyword declares?", "choices": ["var", "for", "if", "go"], "correct_answer": "var"},
		{"kind": "multiple_choice", "prompt": "What controls visibility?", "choices": ["scope", "speed", "size", "color"], "correct_answer": "scope"},
		{"kind": "fill_blank", "prompt": "A variable holds a ____.", "correct_answer": "value"},
		{"kind": "short_answer", "prompt": "Explain shadowing.", "correct_answer": "an inner variable hides an outer one"}
	]
}`

// quizPassAnswers scores 5/5 with a judge that accepts "good".
var quizPassAnswers = []string{"a variable", "var", "scope", "value", "good"}

// newTestClient scripts the mock for a full teaching/quiz round trip. The
// JSON capability serves both quiz generation and short-answer judging,
// dispatched on the system prompt.
func newTestClient() *genai.MockClient {
	client := genai.NewMockClient()
	client.EmbedFn = func(ctx context.Context, text string) ([]float64, error) {
		return []float64{1, 0}, nil
	}
	client.GenerateFn = func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
		return "teaching reply", nil
	}
	client.GenerateJSONFn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		if strings.Contains(systemPrompt, "quiz generator") {
			return testQuizJSON, nil
		}
		// Short-answer judge: "good" passes, anything else fails.
		if strings.Contains(userPrompt, "Student answer: good") {
			return `{"correct": true, "feedback": "well put"}`, nil
		}
		return `{"correct": false, "feedback": "not quite"}`, nil
	}
	return client
}

func newTestFlow(t *testing.T, client *genai.MockClient) (*TeachingFlow, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveLessonChunks([]models.LessonChunk{
		{LessonID: 1, LessonTitle: "Variables", Text: "Variables hold values.", Embedding: []float64{1, 0}},
		{LessonID: 1, LessonTitle: "Variables", Text: "Scope controls visibility.", Embedding: []float64{0, 1}},
		{LessonID: 2, LessonTitle: "Loops", Text: "Loops repeat work.", Embedding: []float64{1, 1}},
	}); err != nil {
		t.Fatalf("SaveLessonChunks failed: %v", err)
	}

	retriever := retrieval.NewRetriever(st, client, 3)
	f := NewTeachingFlow(
		st,
		NewStoreBasedStateManager(st),
		client,
		retriever,
		quiz.NewGenerator(retriever, client),
		quiz.NewEvaluator(client),
	)
	return f, st
}

// runQuiz sends "quiz me" followed by the given answers and returns the last result.
func runQuiz(t *testing.T, f *TeachingFlow, userID string, answers []string) *models.StepResult {
	t.Helper()
	result, err := f.Step(context.Background(), userID, "quiz me", models.SourceUI)
	if err != nil {
		t.Fatalf("quiz start failed: %v", err)
	}
	if result.Phase != models.StateAwaitingQuizAnswers {
		t.Fatalf("expected quiz phase after intent, got %s", result.Phase)
	}
	for i, answer := range answers {
		result, err = f.Step(context.Background(), userID, answer, models.SourceUI)
		if err != nil {
			t.Fatalf("answer %d failed: %v", i+1, err)
		}
	}
	return result
}

func TestStepTeachingTurn(t *testing.T) {
	f, st := newTestFlow(t, newTestClient())

	result, err := f.Step(context.Background(), "u1", "hi", models.SourceUI)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if result.Reply != "teaching reply" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if result.Phase != models.StateTeaching {
		t.Errorf("expected teaching phase, got %s", result.Phase)
	}
	if result.LessonID != 1 {
		t.Errorf("expected lesson 1, got %d", result.LessonID)
	}
	if result.LessonTitle != "Variables" {
		t.Errorf("expected lesson title Variables, got %q", result.LessonTitle)
	}

	history, _ := st.GetHistory("u1")
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Sender != models.SenderUser || history[0].Text != "hi" {
		t.Errorf("unexpected first entry: %+v", history[0])
	}
	if history[1].Sender != models.SenderAssistant {
		t.Errorf("unexpected second entry: %+v", history[1])
	}
}

func TestStepQuizIntent(t *testing.T) {
	f, _ := newTestFlow(t, newTestClient())

	result, err := f.Step(context.Background(), "u1", "I'm ready, quiz me", models.SourceUI)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if result.Phase != models.StateAwaitingQuizAnswers {
		t.Fatalf("expected quiz phase, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, fmt.Sprintf("Question 1 of %d", models.QuizQuestionCount)) {
		t.Errorf("expected first question in reply, got %q", result.Reply)
	}
	if !strings.Contains(result.Reply, "A) a variable") {
		t.Errorf("expected lettered choices in reply, got %q", result.Reply)
	}
}

func TestStepQuizMentionStaysTeaching(t *testing.T) {
	f, _ := newTestFlow(t, newTestClient())

	result, err := f.Step(context.Background(), "u1", "what will be on the quiz?", models.SourceUI)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if result.Phase != models.StateTeaching {
		t.Fatalf("expected question about the quiz to stay in teaching, got %s", result.Phase)
	}
	if result.Reply != "teaching reply" {
		t.Errorf("expected a teaching answer, got %q", result.Reply)
	}
}

func TestStepQuizPassAdvancesLesson(t *testing.T) {
	f, st := newTestFlow(t, newTestClient())

	// 4 of 5 correct: the fill-blank answer is wrong.
	answers := []string{"a variable", "var", "scope", "wrong", "good"}
	result := runQuiz(t, f, "u1", answers)

	if result.Phase != models.StateTeaching {
		t.Errorf("expected teaching phase after grading, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "4 out of 5") {
		t.Errorf("expected score in reply, got %q", result.Reply)
	}
	if result.LessonID != 2 {
		t.Errorf("expected advance to lesson 2, got %d", result.LessonID)
	}

	p, _ := st.GetOrCreateProgress("u1")
	if p.CurrentLessonID != 2 {
		t.Errorf("expected persisted lesson 2, got %d", p.CurrentLessonID)
	}
	if p.LessonScores[1] != 0.8 {
		t.Errorf("expected score 0.8 for lesson 1, got %v", p.LessonScores[1])
	}
	if len(p.CompletedLessons) != 1 || p.CompletedLessons[0] != 1 {
		t.Errorf("expected completed lessons [1], got %v", p.CompletedLessons)
	}
}

func TestStepQuizFailStaysOnLesson(t *testing.T) {
	f, st := newTestFlow(t, newTestClient())

	// 3 of 5 correct: fill-blank and short answer wrong.
	answers := []string{"a variable", "var", "scope", "wrong", "bad"}
	result := runQuiz(t, f, "u1", answers)

	if result.Phase != models.StateTeaching {
		t.Errorf("expected teaching phase after grading, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "3 out of 5") {
		t.Errorf("expected score in reply, got %q", result.Reply)
	}
	if result.LessonID != 1 {
		t.Errorf("expected to stay on lesson 1, got %d", result.LessonID)
	}

	p, _ := st.GetOrCreateProgress("u1")
	if p.CurrentLessonID != 1 {
		t.Errorf("expected persisted lesson 1, got %d", p.CurrentLessonID)
	}
	if p.LessonScores[1] != 0.6 {
		t.Errorf("expected score 0.6 recorded, got %v", p.LessonScores[1])
	}
	if len(p.CompletedLessons) != 0 {
		t.Errorf("expected no completed lessons, got %v", p.CompletedLessons)
	}
}

func TestStepQuizPresentsQuestionsInOrder(t *testing.T) {
	f, _ := newTestFlow(t, newTestClient())

	if _, err := f.Step(context.Background(), "u1", "quiz me", models.SourceUI); err != nil {
		t.Fatalf("quiz start failed: %v", err)
	}
	for i := 1; i < models.QuizQuestionCount; i++ {
		result, err := f.Step(context.Background(), "u1", "any answer", models.SourceUI)
		if err != nil {
			t.Fatalf("answer %d failed: %v", i, err)
		}
		want := fmt.Sprintf("Question %d of %d", i+1, models.QuizQuestionCount)
		if !strings.Contains(result.Reply, want) {
			t.Errorf("expected %q in reply, got %q", want, result.Reply)
		}
		if result.Phase != models.StateAwaitingQuizAnswers {
			t.Errorf("expected quiz phase at question %d, got %s", i+1, result.Phase)
		}
	}
}

func TestStepCancelQuiz(t *testing.T) {
	f, _ := newTestFlow(t, newTestClient())

	if _, err := f.Step(context.Background(), "u1", "quiz me", models.SourceUI); err != nil {
		t.Fatalf("quiz start failed: %v", err)
	}
	result, err := f.Step(context.Background(), "u1", "cancel quiz", models.SourceUI)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if result.Phase != models.StateTeaching {
		t.Errorf("expected teaching phase after cancel, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "cancelled") {
		t.Errorf("expected cancellation reply, got %q", result.Reply)
	}

	// The next turn is a normal teaching turn, not a quiz answer.
	result, err = f.Step(context.Background(), "u1", "tell me more", models.SourceUI)
	if err != nil {
		t.Fatalf("teaching turn after cancel failed: %v", err)
	}
	if result.Reply != "teaching reply" {
		t.Errorf("expected teaching reply after cancel, got %q", result.Reply)
	}
}

func TestStepGenerationFailure(t *testing.T) {
	client := newTestClient()
	wantErr := errors.New("provider down")
	client.GenerateFn = func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
		return "", wantErr
	}
	f, st := newTestFlow(t, client)

	_, err := f.Step(context.Background(), "u1", "hi", models.SourceUI)
	if !errors.Is(err, models.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}

	// The utterance is preserved even though the turn failed.
	history, _ := st.GetHistory("u1")
	if len(history) != 1 || history[0].Text != "hi" {
		t.Errorf("expected utterance retained in history, got %+v", history)
	}
}

func TestStepQuizGenerationFailureApology(t *testing.T) {
	client := newTestClient()
	client.GenerateJSONFn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return "not json", nil
	}
	f, _ := newTestFlow(t, client)

	result, err := f.Step(context.Background(), "u1", "quiz me", models.SourceUI)
	if err != nil {
		t.Fatalf("expected apology reply, got error: %v", err)
	}
	if result.Phase != models.StateTeaching {
		t.Errorf("expected to stay in teaching phase, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "couldn't put a quiz together") {
		t.Errorf("expected apology reply, got %q", result.Reply)
	}
}

func TestStepEvaluationFailureKeepsQuizOpen(t *testing.T) {
	client := newTestClient()
	f, _ := newTestFlow(t, client)

	if _, err := f.Step(context.Background(), "u1", "quiz me", models.SourceUI); err != nil {
		t.Fatalf("quiz start failed: %v", err)
	}
	for _, answer := range quizPassAnswers[:4] {
		if _, err := f.Step(context.Background(), "u1", answer, models.SourceUI); err != nil {
			t.Fatalf("answer failed: %v", err)
		}
	}

	// Judge goes down for the final short answer.
	client.GenerateJSONFn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return "", errors.New("judge down")
	}
	_, err := f.Step(context.Background(), "u1", "good", models.SourceUI)
	if !errors.Is(err, models.ErrQuizEvaluationFailed) {
		t.Fatalf("expected ErrQuizEvaluationFailed, got %v", err)
	}

	// Judge recovers; resending the last answer completes grading.
	client.GenerateJSONFn = func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return `{"correct": true, "feedback": "well put"}`, nil
	}
	result, err := f.Step(context.Background(), "u1", "good", models.SourceUI)
	if err != nil {
		t.Fatalf("retry after judge recovery failed: %v", err)
	}
	if result.Phase != models.StateTeaching {
		t.Errorf("expected grading to complete, got phase %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "5 out of 5") {
		t.Errorf("expected perfect score, got %q", result.Reply)
	}
}

func TestStepResumeMidQuizRegenerates(t *testing.T) {
	client := newTestClient()
	f, st := newTestFlow(t, client)

	if _, err := f.Step(context.Background(), "u1", "quiz me", models.SourceUI); err != nil {
		t.Fatalf("quiz start failed: %v", err)
	}
	if _, err := f.Step(context.Background(), "u1", "a variable", models.SourceUI); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	// Simulate a restart: same store, fresh flow (in-memory sessions lost).
	retriever := retrieval.NewRetriever(st, client, 3)
	resumed := NewTeachingFlow(
		st,
		NewStoreBasedStateManager(st),
		client,
		retriever,
		quiz.NewGenerator(retriever, client),
		quiz.NewEvaluator(client),
	)

	result, err := resumed.Step(context.Background(), "u1", "var", models.SourceUI)
	if err != nil {
		t.Fatalf("resumed step failed: %v", err)
	}
	if result.Phase != models.StateAwaitingQuizAnswers {
		t.Errorf("expected quiz phase after resume, got %s", result.Phase)
	}
	if !strings.Contains(result.Reply, "fresh quiz") {
		t.Errorf("expected regeneration notice, got %q", result.Reply)
	}
	if !strings.Contains(result.Reply, "Question 1 of") {
		t.Errorf("expected quiz restarted from question 1, got %q", result.Reply)
	}
}

func TestTeachingSystemPrompt(t *testing.T) {
	ui := teachingSystemPrompt(1, "Variables", "lesson content here", models.SourceUI)
	if !strings.Contains(ui, "markdown") {
		t.Error("expected markdown instruction for UI source")
	}
	if !strings.Contains(ui, "lesson content here") {
		t.Error("expected lesson content in system prompt")
	}
	if !strings.Contains(ui, "Variables") {
		t.Error("expected lesson title in system prompt")
	}

	cli := teachingSystemPrompt(1, "Variables", "lesson content here", models.SourceCLI)
	if strings.Contains(cli, "markdown") {
		t.Error("did not expect markdown instruction for CLI source")
	}

	generic := teachingSystemPrompt(3, "", "", models.SourceUI)
	if !strings.Contains(generic, "No lesson content is loaded") {
		t.Error("expected generic fallback when no content is available")
	}
}

func TestStepConcurrentUsersDoNotBlock(t *testing.T) {
	f, _ := newTestFlow(t, newTestClient())

	done := make(chan error, 2)
	for _, user := range []string{"u1", "u2"} {
		go func(id string) {
			_, err := f.Step(context.Background(), id, "hi", models.SourceUI)
			done <- err
		}(user)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent step failed: %v", err)
		}
	}
}
