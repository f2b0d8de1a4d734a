package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
)

// Chunking parameters. Chunks overlap so a concept split across a boundary
// still appears whole in at least one chunk.
const (
	ChunkSize    = 1000
	ChunkOverlap = 200
)

// ChunkSink persists embedded lesson chunks. store.Store satisfies this.
type ChunkSink interface {
	SaveLessonChunks(chunks []models.LessonChunk) error
}

// Loader ingests lesson files into the chunk store.
type Loader struct {
	sink   ChunkSink
	client genai.ClientInterface
}

// NewLoader creates a loader writing to the given sink.
func NewLoader(sink ChunkSink, client genai.ClientInterface) *Loader {
	return &Loader{sink: sink, client: client}
}

// IngestDirectory loads every .txt file in dir in sorted filename order.
// Lesson IDs are assigned from that order starting at 1, so lesson files
// should be named with a sortable prefix (lesson_01.txt, lesson_02.txt, ...).
// It returns the number of lessons ingested.
func (l *Loader) IngestDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("Loader.IngestDirectory: failed to read directory", "dir", dir, "error", err)
		return 0, fmt.Errorf("failed to read lessons directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		slog.Warn("Loader.IngestDirectory: no lesson files found", "dir", dir)
		return 0, nil
	}

	for i, name := range files {
		lessonID := i + 1
		if err := l.IngestFile(ctx, filepath.Join(dir, name), lessonID); err != nil {
			return i, fmt.Errorf("failed to ingest %s: %w", name, err)
		}
	}

	slog.Info("Loader.IngestDirectory: ingestion complete", "dir", dir, "lessons", len(files))
	return len(files), nil
}

// IngestFile loads a single lesson file under the given lesson ID. The title
// comes from the first non-empty line, with any "Lesson:" or markdown
// heading prefix stripped.
func (l *Loader) IngestFile(ctx context.Context, path string, lessonID int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Loader.IngestFile: failed to read file", "path", path, "error", err)
		return fmt.Errorf("failed to read lesson file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		slog.Warn("Loader.IngestFile: skipping empty lesson file", "path", path)
		return nil
	}

	title := extractTitle(content, lessonID)
	texts := SplitText(content, ChunkSize, ChunkOverlap)

	chunks := make([]models.LessonChunk, 0, len(texts))
	for _, text := range texts {
		vec, err := l.client.Embed(ctx, text)
		if err != nil {
			slog.Error("Loader.IngestFile: embedding failed", "path", path, "lessonID", lessonID, "error", err)
			return fmt.Errorf("failed to embed chunk: %w", err)
		}
		chunks = append(chunks, models.LessonChunk{
			LessonID:    lessonID,
			LessonTitle: title,
			Text:        text,
			Embedding:   vec,
		})
	}

	if err := l.sink.SaveLessonChunks(chunks); err != nil {
		slog.Error("Loader.IngestFile: failed to save chunks", "path", path, "lessonID", lessonID, "error", err)
		return fmt.Errorf("failed to save chunks: %w", err)
	}

	slog.Info("Loader.IngestFile: lesson ingested", "lessonID", lessonID, "title", title, "chunks", len(chunks))
	return nil
}

// extractTitle derives the lesson title from the first non-empty line.
func extractTitle(content string, lessonID int) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "Lesson:"))
		line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		if line != "" {
			return line
		}
	}
	return fmt.Sprintf("Lesson %d", lessonID)
}

// SplitText splits text into chunks of at most size runes with the given
// overlap between consecutive chunks. It prefers to break at a paragraph or
// sentence boundary near the end of each chunk.
func SplitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}

		// Prefer a natural break in the last quarter of the window. Break
		// positions are rune indexes, so the scan walks the rune slice
		// rather than going through a string.
		cut := end
		window := runes[start:end]
		if idx := lastParagraphBreak(window); idx > size*3/4 {
			cut = start + idx
		} else if idx := lastSentenceBreak(window); idx > size*3/4 {
			cut = start + idx + 1
		}

		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// lastParagraphBreak returns the rune index of the last blank line in the
// window, or -1 if there is none.
func lastParagraphBreak(window []rune) int {
	for i := len(window) - 2; i >= 0; i-- {
		if window[i] == '\n' && window[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// lastSentenceBreak returns the rune index of the last sentence terminator in
// the window, or -1 if there is none.
func lastSentenceBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			return i
		}
	}
	return -1
}
