package quiz

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

// FormatQuestion renders a single question as a user-facing prompt.
// Multiple-choice options are lettered A-D so answers can reference them by
// letter.
func FormatQuestion(number int, q models.QuizQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d of %d: %s", number, models.QuizQuestionCount, q.Prompt)
	if q.Kind == models.QuizKindMultipleChoice {
		for j, choice := range q.Choices {
			fmt.Fprintf(&b, "\n%c) %s", 'A'+j, choice)
		}
	}
	return b.String()
}
