package quiz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
)

// generationRetries is how many extra attempts the generator makes when the
// model returns a malformed quiz.
const generationRetries = 1

// contentK is how many chunks of lesson content back the quiz prompt.
const contentK = 5

const generatorSystemPrompt = `You are a quiz generator for a tutoring system. Produce a quiz as a JSON object with a "questions" array of exactly 5 questions covering the provided lesson content:
- exactly 3 questions with kind "multiple_choice", each with a "choices" array of exactly 4 options and "correct_answer" equal to one of the choices
- exactly 1 question with kind "fill_blank", whose prompt contains a blank written as ____ and whose "correct_answer" is the missing word or phrase
- exactly 1 question with kind "short_answer", answerable in one or two sentences from the lesson content
Every question must be answerable from the lesson content alone. Respond with JSON only.`

// Generator produces quizzes from retrieved lesson content.
type Generator struct {
	retriever *retrieval.Retriever
	client    genai.ClientInterface
}

// NewGenerator creates a quiz generator.
func NewGenerator(retriever *retrieval.Retriever, client genai.ClientInterface) *Generator {
	return &Generator{retriever: retriever, client: client}
}

// rawQuestion mirrors the model's JSON output before validation.
type rawQuestion struct {
	Kind          string   `json:"kind"`
	Prompt        string   `json:"prompt"`
	Choices       []string `json:"choices,omitempty"`
	CorrectAnswer string   `json:"correct_answer"`
}

type rawQuiz struct {
	Questions []rawQuestion `json:"questions"`
}

// Generate builds a quiz for the lesson. It retrieves a broad slice of the
// lesson, asks the model for structured JSON, and validates both the schema
// and the 3/1/1 question shape, retrying once on a malformed result. All
// failures wrap models.ErrQuizGenerationFailed.
func (g *Generator) Generate(ctx context.Context, lessonID int, lessonTitle string) ([]models.QuizQuestion, error) {
	query := fmt.Sprintf("Complete overview of %s", lessonTitle)
	content, err := g.retriever.RetrieveText(ctx, lessonID, query, contentK)
	if err != nil {
		if errors.Is(err, models.ErrLessonNotIngested) {
			return nil, err
		}
		slog.Error("Generator.Generate: content retrieval failed", "lessonID", lessonID, "error", err)
		return nil, fmt.Errorf("%w: content retrieval: %v", models.ErrQuizGenerationFailed, err)
	}

	userPrompt := fmt.Sprintf("Lesson title: %s\n\nLesson content:\n%s", lessonTitle, content)

	var lastErr error
	for attempt := 0; attempt <= generationRetries; attempt++ {
		questions, err := g.generateOnce(ctx, userPrompt)
		if err == nil {
			slog.Info("Generator.Generate: quiz generated", "lessonID", lessonID, "attempt", attempt+1)
			return questions, nil
		}
		lastErr = err
		slog.Warn("Generator.Generate: attempt failed", "lessonID", lessonID, "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("%w: %v", models.ErrQuizGenerationFailed, lastErr)
}

func (g *Generator) generateOnce(ctx context.Context, userPrompt string) ([]models.QuizQuestion, error) {
	raw, err := g.client.GenerateJSON(ctx, generatorSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	quizSchema, _, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	if _, err := validateJSON(quizSchema, raw); err != nil {
		return nil, err
	}

	var parsed rawQuiz
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode quiz: %w", err)
	}

	questions := make([]models.QuizQuestion, 0, len(parsed.Questions))
	for i, q := range parsed.Questions {
		questions = append(questions, models.QuizQuestion{
			ID:            i + 1,
			Kind:          models.QuizKind(q.Kind),
			Prompt:        q.Prompt,
			Choices:       q.Choices,
			CorrectAnswer: q.CorrectAnswer,
		})
	}

	if err := validateShape(questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// validateShape enforces the fixed quiz composition: 3 multiple-choice
// questions with 4 choices each (the correct answer among them), 1
// fill-in-the-blank, and 1 short answer.
func validateShape(questions []models.QuizQuestion) error {
	if len(questions) != models.QuizQuestionCount {
		return fmt.Errorf("expected %d questions, got %d", models.QuizQuestionCount, len(questions))
	}

	counts := map[models.QuizKind]int{}
	for i, q := range questions {
		if !models.IsValidQuizKind(q.Kind) {
			return fmt.Errorf("question %d has unknown kind %q", i+1, q.Kind)
		}
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("question %d has an empty prompt", i+1)
		}
		if strings.TrimSpace(q.CorrectAnswer) == "" {
			return fmt.Errorf("question %d has an empty answer", i+1)
		}
		counts[q.Kind]++

		if q.Kind == models.QuizKindMultipleChoice {
			if len(q.Choices) != models.QuizChoiceCount {
				return fmt.Errorf("question %d has %d choices, expected %d", i+1, len(q.Choices), models.QuizChoiceCount)
			}
			if !choiceListed(q.Choices, q.CorrectAnswer) {
				return fmt.Errorf("question %d answer is not among its choices", i+1)
			}
		}
	}

	if counts[models.QuizKindMultipleChoice] != models.QuizMultipleChoiceCount ||
		counts[models.QuizKindFillBlank] != models.QuizFillBlankCount ||
		counts[models.QuizKindShortAnswer] != models.QuizShortAnswerCount {
		return fmt.Errorf("quiz composition %d/%d/%d does not match required %d/%d/%d",
			counts[models.QuizKindMultipleChoice], counts[models.QuizKindFillBlank], counts[models.QuizKindShortAnswer],
			models.QuizMultipleChoiceCount, models.QuizFillBlankCount, models.QuizShortAnswerCount)
	}
	return nil
}

func choiceListed(choices []string, answer string) bool {
	target := normalizeAnswer(answer)
	for _, c := range choices {
		if normalizeAnswer(c) == target {
			return true
		}
	}
	return false
}
