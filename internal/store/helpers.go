package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

// marshalLessons encodes the completed-lesson set as a JSON array column value.
func marshalLessons(lessons []int) (string, error) {
	if lessons == nil {
		lessons = []int{}
	}
	b, err := json.Marshal(lessons)
	if err != nil {
		return "", fmt.Errorf("failed to marshal completed lessons: %w", err)
	}
	return string(b), nil
}

// unmarshalLessons decodes the completed-lesson set column value. Legacy rows
// with an empty column decode to an empty set.
func unmarshalLessons(raw string) ([]int, error) {
	if raw == "" {
		return []int{}, nil
	}
	var lessons []int
	if err := json.Unmarshal([]byte(raw), &lessons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed lessons: %w", err)
	}
	if lessons == nil {
		lessons = []int{}
	}
	return lessons, nil
}

// marshalScores encodes the per-lesson score map as a JSON object column value.
func marshalScores(scores map[int]float64) (string, error) {
	if scores == nil {
		scores = map[int]float64{}
	}
	b, err := json.Marshal(scores)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lesson scores: %w", err)
	}
	return string(b), nil
}

// unmarshalScores decodes the per-lesson score map column value.
func unmarshalScores(raw string) (map[int]float64, error) {
	if raw == "" {
		return map[int]float64{}, nil
	}
	var scores map[int]float64
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lesson scores: %w", err)
	}
	if scores == nil {
		scores = map[int]float64{}
	}
	return scores, nil
}

// marshalEmbedding encodes an embedding vector as a JSON array column value.
func marshalEmbedding(vec []float64) (string, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(b), nil
}

// unmarshalEmbedding decodes an embedding vector column value.
func unmarshalEmbedding(raw string) ([]float64, error) {
	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return vec, nil
}

// applyScoreUpdate mutates a progress record with a new quiz result,
// enforcing the monotonic current-lesson rule. Shared by both SQL backends.
func applyScoreUpdate(p *models.UserProgress, lessonID int, score float64, advanced bool) {
	p.LessonScores[lessonID] = score
	if advanced {
		if !containsLesson(p.CompletedLessons, lessonID) {
			p.CompletedLessons = append(p.CompletedLessons, lessonID)
		}
		if lessonID+1 > p.CurrentLessonID {
			p.CurrentLessonID = lessonID + 1
		}
	}
}
