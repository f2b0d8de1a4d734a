package flow

import "strings"

// quizIntentPhrases trigger quiz generation from the teaching phase. Matching
// is substring-based so the intent wins even mid-sentence, but every phrase
// is an explicit request; merely mentioning the quiz ("what will be on the
// quiz?") stays a teaching question.
var quizIntentPhrases = []string{
	"quiz me",
	"test me",
	"take the quiz",
	"take the test",
	"ready for the quiz",
	"ready for the test",
	"i'm ready",
	"im ready",
	"start quiz",
	"start the quiz",
}

// cancelQuizPhrases abandon an in-progress quiz and return to teaching.
var cancelQuizPhrases = []string{
	"cancel quiz",
	"cancel the quiz",
	"stop quiz",
	"stop the quiz",
	"exit quiz",
	"exit the quiz",
	"quit quiz",
	"quit the quiz",
}

// isQuizIntent reports whether the utterance asks to start a quiz.
func isQuizIntent(utterance string) bool {
	return matchesAny(utterance, quizIntentPhrases)
}

// isCancelQuiz reports whether the utterance asks to abandon the quiz.
func isCancelQuiz(utterance string) bool {
	return matchesAny(utterance, cancelQuizPhrases)
}

func matchesAny(utterance string, phrases []string) bool {
	norm := strings.ToLower(strings.TrimSpace(utterance))
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}
