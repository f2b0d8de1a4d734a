package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
)

const judgeSystemPrompt = `You are grading a student's short answer against a reference answer. Judge meaning, not wording: the answer is correct if it expresses the same fact or concept as the reference, even with different phrasing. Respond with a JSON object: {"correct": true|false, "feedback": "one short sentence"}.`

// Result holds the outcome of grading one full quiz.
type Result struct {
	Score    float64  // fraction of questions answered correctly
	Points   int      // number of correct answers
	Total    int      // number of questions
	Feedback []string // per-question feedback, in question order
}

// Evaluator grades completed quizzes. Multiple-choice and fill-in-the-blank
// answers are matched exactly after normalization; short answers are judged
// by the model.
type Evaluator struct {
	client genai.ClientInterface
}

// NewEvaluator creates a quiz evaluator.
func NewEvaluator(client genai.ClientInterface) *Evaluator {
	return &Evaluator{client: client}
}

// Evaluate grades answers against questions, in order. The caller must pass
// one answer per question. A short-answer judging failure wraps
// models.ErrQuizEvaluationFailed and leaves no partial result.
func (e *Evaluator) Evaluate(ctx context.Context, questions []models.QuizQuestion, answers []string) (*Result, error) {
	if len(answers) != len(questions) {
		return nil, fmt.Errorf("%w: got %d answers for %d questions", models.ErrQuizEvaluationFailed, len(answers), len(questions))
	}

	result := &Result{Total: len(questions)}
	for i, q := range questions {
		var correct bool
		var feedback string
		var err error

		switch q.Kind {
		case models.QuizKindMultipleChoice:
			correct = e.gradeMultipleChoice(q, answers[i])
		case models.QuizKindFillBlank:
			correct = normalizeAnswer(answers[i]) == normalizeAnswer(q.CorrectAnswer)
		case models.QuizKindShortAnswer:
			correct, feedback, err = e.judgeShortAnswer(ctx, q, answers[i])
			if err != nil {
				slog.Error("Evaluator.Evaluate: short-answer judging failed", "questionID", q.ID, "error", err)
				return nil, fmt.Errorf("%w: %v", models.ErrQuizEvaluationFailed, err)
			}
		default:
			return nil, fmt.Errorf("%w: unknown question kind %q", models.ErrQuizEvaluationFailed, q.Kind)
		}

		if correct {
			result.Points++
		}
		result.Feedback = append(result.Feedback, formatFeedback(i+1, correct, feedback, q))
	}

	result.Score = float64(result.Points) / float64(result.Total)
	slog.Info("Evaluator.Evaluate: quiz graded", "points", result.Points, "total", result.Total, "score", result.Score)
	return result, nil
}

// gradeMultipleChoice accepts either the choice letter (A-D) or the choice
// text itself.
func (e *Evaluator) gradeMultipleChoice(q models.QuizQuestion, answer string) bool {
	norm := normalizeAnswer(answer)
	if norm == "" {
		return false
	}

	// Single letter selects a choice by position.
	if len(norm) == 1 && norm[0] >= 'a' && norm[0] <= 'z' {
		idx := int(norm[0] - 'a')
		if idx < len(q.Choices) {
			return normalizeAnswer(q.Choices[idx]) == normalizeAnswer(q.CorrectAnswer)
		}
		return false
	}

	return norm == normalizeAnswer(q.CorrectAnswer)
}

// judgeShortAnswer asks the model for a semantic verdict.
func (e *Evaluator) judgeShortAnswer(ctx context.Context, q models.QuizQuestion, answer string) (bool, string, error) {
	if strings.TrimSpace(answer) == "" {
		return false, "No answer given.", nil
	}

	userPrompt := fmt.Sprintf("Question: %s\nReference answer: %s\nStudent answer: %s", q.Prompt, q.CorrectAnswer, answer)
	raw, err := e.client.GenerateJSON(ctx, judgeSystemPrompt, userPrompt)
	if err != nil {
		return false, "", fmt.Errorf("judging call failed: %w", err)
	}

	_, verdictSchema, err := compiledSchemas()
	if err != nil {
		return false, "", err
	}
	if _, err := validateJSON(verdictSchema, raw); err != nil {
		return false, "", err
	}

	var verdict struct {
		Correct  bool   `json:"correct"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return false, "", fmt.Errorf("failed to decode verdict: %w", err)
	}
	return verdict.Correct, verdict.Feedback, nil
}

// formatFeedback renders one line of per-question feedback.
func formatFeedback(number int, correct bool, judgeFeedback string, q models.QuizQuestion) string {
	if correct {
		return fmt.Sprintf("Question %d: correct.", number)
	}
	if judgeFeedback != "" {
		return fmt.Sprintf("Question %d: incorrect. %s", number, judgeFeedback)
	}
	return fmt.Sprintf("Question %d: incorrect. The answer was: %s", number, q.CorrectAnswer)
}

// normalizeAnswer lowercases, trims, strips trailing punctuation, and
// collapses internal whitespace so cosmetic differences don't fail a match.
func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}
