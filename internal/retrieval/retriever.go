// Package retrieval implements embedding-based retrieval over ingested
// lesson content. Lessons are split into overlapping chunks at ingestion
// time; at query time the retriever ranks a lesson's chunks by cosine
// similarity against the query embedding.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
)

// DefaultK is the number of chunks returned when the caller does not ask for
// a specific count.
const DefaultK = 3

// ChunkSource provides the stored chunks for a lesson. store.Store satisfies
// this; tests supply small fakes.
type ChunkSource interface {
	GetLessonChunks(lessonID int) ([]models.LessonChunk, error)
}

// Retriever ranks a lesson's chunks against a query embedding.
type Retriever struct {
	source ChunkSource
	client genai.ClientInterface
	k      int
}

// NewRetriever creates a retriever over the given chunk source. A k of zero
// or less falls back to DefaultK.
func NewRetriever(source ChunkSource, client genai.ClientInterface, k int) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	return &Retriever{source: source, client: client, k: k}
}

// Retrieve returns up to k chunks of the lesson most similar to the query,
// best match first. It returns models.ErrLessonNotIngested when the lesson
// has no stored chunks.
func (r *Retriever) Retrieve(ctx context.Context, lessonID int, query string, k int) ([]models.LessonChunk, error) {
	if k <= 0 {
		k = r.k
	}

	chunks, err := r.source.GetLessonChunks(lessonID)
	if err != nil {
		slog.Error("Retriever.Retrieve: failed to load chunks", "lessonID", lessonID, "error", err)
		return nil, fmt.Errorf("failed to load chunks for lesson %d: %w", lessonID, err)
	}
	if len(chunks) == 0 {
		slog.Warn("Retriever.Retrieve: lesson has no ingested content", "lessonID", lessonID)
		return nil, fmt.Errorf("lesson %d: %w", lessonID, models.ErrLessonNotIngested)
	}

	queryVec, err := r.client.Embed(ctx, query)
	if err != nil {
		slog.Error("Retriever.Retrieve: query embedding failed", "lessonID", lessonID, "error", err)
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		chunk models.LessonChunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		ranked = append(ranked, scored{chunk: c, score: cosineSimilarity(queryVec, c.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if k > len(ranked) {
		k = len(ranked)
	}
	result := make([]models.LessonChunk, 0, k)
	for _, s := range ranked[:k] {
		result = append(result, s.chunk)
	}

	slog.Debug("Retriever.Retrieve: retrieved chunks", "lessonID", lessonID, "k", k, "corpusSize", len(chunks))
	return result, nil
}

// RetrieveText joins the retrieved chunk texts into a single context block.
func (r *Retriever) RetrieveText(ctx context.Context, lessonID int, query string, k int) (string, error) {
	chunks, err := r.Retrieve(ctx, lessonID, query, k)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	return strings.Join(texts, "\n\n"), nil
}

// LessonTitle returns the title recorded for a lesson at ingestion time.
func (r *Retriever) LessonTitle(lessonID int) (string, error) {
	chunks, err := r.source.GetLessonChunks(lessonID)
	if err != nil {
		return "", fmt.Errorf("failed to load chunks for lesson %d: %w", lessonID, err)
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("lesson %d: %w", lessonID, models.ErrLessonNotIngested)
	}
	return chunks[0].LessonTitle, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-magnitude vectors score 0 so they rank last.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
