package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
)

// fakeSource serves a fixed chunk set.
type fakeSource struct {
	chunks map[int][]models.LessonChunk
}

func (f *fakeSource) GetLessonChunks(lessonID int) ([]models.LessonChunk, error) {
	return f.chunks[lessonID], nil
}

func testSource() *fakeSource {
	return &fakeSource{chunks: map[int][]models.LessonChunk{
		1: {
			{ID: "a", LessonID: 1, LessonTitle: "Variables", Text: "about variables", Embedding: []float64{1, 0, 0}},
			{ID: "b", LessonID: 1, LessonTitle: "Variables", Text: "about types", Embedding: []float64{0, 1, 0}},
			{ID: "c", LessonID: 1, LessonTitle: "Variables", Text: "about scope", Embedding: []float64{0, 0, 1}},
		},
	}}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	client := genai.NewMockClient()
	client.EmbedFn = func(ctx context.Context, text string) ([]float64, error) {
		// Query vector closest to chunk "b", then "a", then "c".
		return []float64{0.4, 1, 0}, nil
	}

	r := NewRetriever(testSource(), client, 3)
	chunks, err := r.Retrieve(context.Background(), 1, "what are types?", 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "b", chunks[0].ID)
	assert.Equal(t, "a", chunks[1].ID)
}

func TestRetrieveDefaultsK(t *testing.T) {
	client := genai.NewMockClient()
	client.EmbedFn = func(ctx context.Context, text string) ([]float64, error) {
		return []float64{1, 1, 1}, nil
	}

	r := NewRetriever(testSource(), client, 0)
	chunks, err := r.Retrieve(context.Background(), 1, "everything", 0)
	require.NoError(t, err)
	assert.Len(t, chunks, DefaultK)
}

func TestRetrieveKLargerThanCorpus(t *testing.T) {
	client := genai.NewMockClient()
	client.EmbedFn = func(ctx context.Context, text string) ([]float64, error) {
		return []float64{1, 0, 0}, nil
	}

	r := NewRetriever(testSource(), client, 3)
	chunks, err := r.Retrieve(context.Background(), 1, "anything", 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestRetrieveLessonNotIngested(t *testing.T) {
	r := NewRetriever(testSource(), genai.NewMockClient(), 3)
	_, err := r.Retrieve(context.Background(), 42, "anything", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrLessonNotIngested)
}

func TestRetrieveTextJoinsChunks(t *testing.T) {
	client := genai.NewMockClient()
	client.EmbedFn = func(ctx context.Context, text string) ([]float64, error) {
		return []float64{1, 0, 0}, nil
	}

	r := NewRetriever(testSource(), client, 3)
	text, err := r.RetrieveText(context.Background(), 1, "variables", 2)
	require.NoError(t, err)
	assert.Contains(t, text, "about variables")
}

func TestLessonTitle(t *testing.T) {
	r := NewRetriever(testSource(), genai.NewMockClient(), 3)

	title, err := r.LessonTitle(1)
	require.NoError(t, err)
	assert.Equal(t, "Variables", title)

	_, err = r.LessonTitle(42)
	assert.ErrorIs(t, err, models.ErrLessonNotIngested)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
