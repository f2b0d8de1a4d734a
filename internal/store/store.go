// Package store provides storage backends for TutorPipe.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL stores for user progress, conversation history, lesson chunks,
// and flow state markers.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/google/uuid"
)

// Store defines the persistence operations required by the teaching flow,
// the retriever, and the API layer. All mutating operations for a given user
// are atomic with respect to that user's records.
type Store interface {
	// GetOrCreateProgress returns the user's progress record, creating a
	// fresh record at lesson 1 on first contact.
	GetOrCreateProgress(userID string) (*models.UserProgress, error)

	// UpdateProgress records a quiz score for a lesson. When advanced is
	// true the lesson is added to the completed set and the current lesson
	// moves to lessonID+1. The current lesson never decreases.
	UpdateProgress(userID string, lessonID int, score float64, advanced bool) error

	// TouchProgress updates the user's last-accessed timestamp.
	TouchProgress(userID string) error

	// AppendHistory appends one entry to the user's conversation log,
	// evicting the oldest entries beyond models.MaxHistoryEntries.
	AppendHistory(userID, sender, text string) error

	// GetHistory returns the user's conversation log in chronological order.
	// Users with no recorded history get an empty slice, not an error.
	GetHistory(userID string) ([]models.HistoryEntry, error)

	// SaveLessonChunks stores embedded lesson chunks.
	SaveLessonChunks(chunks []models.LessonChunk) error

	// GetLessonChunks returns all chunks for a lesson.
	GetLessonChunks(lessonID int) ([]models.LessonChunk, error)

	// ListLessons summarizes the ingested corpus.
	ListLessons() ([]models.LessonInfo, error)

	// GetFlowState retrieves the phase marker for a participant, or nil if
	// none has been saved.
	GetFlowState(participantID, flowType string) (*models.FlowState, error)

	// SaveFlowState stores or updates the phase marker for a participant.
	SaveFlowState(state models.FlowState) error

	// DeleteFlowState removes the phase marker for a participant.
	DeleteFlowState(participantID, flowType string) error

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string // database connection string (file path for SQLite)
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use the URL or key=value forms; anything else is treated as a SQLite file
// path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore creates the store matching the driver, or detects the backend
// from the DSN when the driver is empty. An empty DSN yields an in-memory
// store.
func NewStore(driver, dsn string) (Store, error) {
	if dsn == "" {
		slog.Info("Store.New: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if driver == "" {
		driver = DetectDSNType(dsn)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(WithDSN(dsn))
	case "sqlite", "sqlite3":
		return NewSQLiteStore(WithDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// InMemoryStore is a map-backed Store used in tests and as a reference
// implementation of the per-user atomicity contract.
type InMemoryStore struct {
	mu         sync.Mutex
	progress   map[string]*models.UserProgress
	history    map[string][]models.HistoryEntry
	chunks     map[int][]models.LessonChunk
	flowStates map[string]models.FlowState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		progress:   make(map[string]*models.UserProgress),
		history:    make(map[string][]models.HistoryEntry),
		chunks:     make(map[int][]models.LessonChunk),
		flowStates: make(map[string]models.FlowState),
	}
}

// GetOrCreateProgress returns the user's progress record, creating it on first contact.
func (s *InMemoryStore) GetOrCreateProgress(userID string) (*models.UserProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.progress[userID]; ok {
		return copyProgress(p), nil
	}

	now := time.Now().UTC()
	p := &models.UserProgress{
		UserID:           userID,
		CurrentLessonID:  1,
		CompletedLessons: []int{},
		LessonScores:     make(map[int]float64),
		CreatedAt:        now,
		LastAccessed:     now,
	}
	s.progress[userID] = p
	slog.Debug("InMemoryStore created progress record", "userID", userID)
	return copyProgress(p), nil
}

// UpdateProgress records a quiz score and optionally advances the lesson.
func (s *InMemoryStore) UpdateProgress(userID string, lessonID int, score float64, advanced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[userID]
	if !ok {
		return fmt.Errorf("no progress record for user %s", userID)
	}

	p.LessonScores[lessonID] = score
	if advanced {
		if !containsLesson(p.CompletedLessons, lessonID) {
			p.CompletedLessons = append(p.CompletedLessons, lessonID)
		}
		if lessonID+1 > p.CurrentLessonID {
			p.CurrentLessonID = lessonID + 1
		}
	}
	p.LastAccessed = time.Now().UTC()
	return nil
}

// TouchProgress updates the user's last-accessed timestamp.
func (s *InMemoryStore) TouchProgress(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.progress[userID]; ok {
		p.LastAccessed = time.Now().UTC()
	}
	return nil
}

// AppendHistory appends an entry and trims the log to the cap, oldest first.
func (s *InMemoryStore) AppendHistory(userID, sender, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.history[userID], models.HistoryEntry{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if len(entries) > models.MaxHistoryEntries {
		entries = entries[len(entries)-models.MaxHistoryEntries:]
	}
	s.history[userID] = entries
	return nil
}

// GetHistory returns the user's conversation log in chronological order.
func (s *InMemoryStore) GetHistory(userID string) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.HistoryEntry, len(s.history[userID]))
	copy(entries, s.history[userID])
	return entries, nil
}

// SaveLessonChunks stores embedded lesson chunks.
func (s *InMemoryStore) SaveLessonChunks(chunks []models.LessonChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.chunks[c.LessonID] = append(s.chunks[c.LessonID], c)
	}
	return nil
}

// GetLessonChunks returns all chunks for a lesson.
func (s *InMemoryStore) GetLessonChunks(lessonID int) ([]models.LessonChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]models.LessonChunk, len(s.chunks[lessonID]))
	copy(chunks, s.chunks[lessonID])
	return chunks, nil
}

// ListLessons summarizes the ingested corpus ordered by lesson ID.
func (s *InMemoryStore) ListLessons() ([]models.LessonInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lessons []models.LessonInfo
	for id, chunks := range s.chunks {
		title := ""
		if len(chunks) > 0 {
			title = chunks[0].LessonTitle
		}
		lessons = append(lessons, models.LessonInfo{LessonID: id, Title: title, ChunkCount: len(chunks)})
	}
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].LessonID < lessons[j].LessonID })
	return lessons, nil
}

// GetFlowState retrieves the phase marker for a participant.
func (s *InMemoryStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.flowStates[participantID+"/"+flowType]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// SaveFlowState stores or updates the phase marker for a participant.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flowStates[state.ParticipantID+"/"+string(state.FlowType)] = state
	return nil
}

// DeleteFlowState removes the phase marker for a participant.
func (s *InMemoryStore) DeleteFlowState(participantID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flowStates, participantID+"/"+flowType)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// copyProgress returns a deep copy so callers cannot mutate shared state.
func copyProgress(p *models.UserProgress) *models.UserProgress {
	cp := *p
	cp.CompletedLessons = append([]int{}, p.CompletedLessons...)
	cp.LessonScores = make(map[int]float64, len(p.LessonScores))
	for k, v := range p.LessonScores {
		cp.LessonScores[k] = v
	}
	return &cp
}

// containsLesson reports whether the lesson set already has the given ID.
func containsLesson(lessons []int, id int) bool {
	for _, l := range lessons {
		if l == id {
			return true
		}
	}
	return false
}
