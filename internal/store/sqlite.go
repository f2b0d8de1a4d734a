package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a SQLite-backed Store. It is the default backend for
// single-node deployments and uses the same schema shape as the Postgres
// backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store, applying any provided options,
// and runs the embedded schema migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("SQLite store requires a DSN")
	}

	db, err := sql.Open("sqlite3", cfg.DSN+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		slog.Error("SQLiteStore.New: failed to open database", "dsn", cfg.DSN, "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("SQLiteStore.New: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}

	slog.Info("SQLiteStore.New: store initialized", "dsn", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

// GetOrCreateProgress returns the user's progress record, creating it at
// lesson 1 on first contact.
func (s *SQLiteStore) GetOrCreateProgress(userID string) (*models.UserProgress, error) {
	p, err := s.getProgress(userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO user_progress (user_id, current_lesson_id, completed_lessons, lesson_scores, created_at, last_accessed)
		 VALUES (?, 1, '[]', '{}', ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.GetOrCreateProgress: insert failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}

	// Re-read in case a concurrent insert won the conflict.
	p, err = s.getProgress(userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("progress record missing after insert for user %s", userID)
	}
	slog.Debug("SQLiteStore.GetOrCreateProgress: record ready", "userID", userID, "currentLesson", p.CurrentLessonID)
	return p, nil
}

func (s *SQLiteStore) getProgress(userID string) (*models.UserProgress, error) {
	row := s.db.QueryRow(
		`SELECT user_id, current_lesson_id, completed_lessons, lesson_scores, created_at, last_accessed
		 FROM user_progress WHERE user_id = ?`, userID)

	var p models.UserProgress
	var lessonsRaw, scoresRaw string
	err := row.Scan(&p.UserID, &p.CurrentLessonID, &lessonsRaw, &scoresRaw, &p.CreatedAt, &p.LastAccessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.getProgress: scan failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to read progress record: %w", err)
	}

	if p.CompletedLessons, err = unmarshalLessons(lessonsRaw); err != nil {
		return nil, err
	}
	if p.LessonScores, err = unmarshalScores(scoresRaw); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProgress records a quiz score and optionally advances the lesson,
// inside one transaction so a crash never leaves a half-applied result.
func (s *SQLiteStore) UpdateProgress(userID string, lessonID int, score float64, advanced bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT current_lesson_id, completed_lessons, lesson_scores FROM user_progress WHERE user_id = ?`, userID)

	var p models.UserProgress
	var lessonsRaw, scoresRaw string
	if err := row.Scan(&p.CurrentLessonID, &lessonsRaw, &scoresRaw); err != nil {
		slog.Error("SQLiteStore.UpdateProgress: read failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to read progress record: %w", err)
	}
	if p.CompletedLessons, err = unmarshalLessons(lessonsRaw); err != nil {
		return err
	}
	if p.LessonScores, err = unmarshalScores(scoresRaw); err != nil {
		return err
	}

	applyScoreUpdate(&p, lessonID, score, advanced)

	lessonsRaw, err = marshalLessons(p.CompletedLessons)
	if err != nil {
		return err
	}
	scoresRaw, err = marshalScores(p.LessonScores)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE user_progress SET current_lesson_id = ?, completed_lessons = ?, lesson_scores = ?, last_accessed = ?
		 WHERE user_id = ?`,
		p.CurrentLessonID, lessonsRaw, scoresRaw, time.Now().UTC(), userID,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateProgress: update failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to update progress record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress update: %w", err)
	}
	slog.Debug("SQLiteStore.UpdateProgress: updated", "userID", userID, "lessonID", lessonID, "score", score, "advanced", advanced)
	return nil
}

// TouchProgress updates the user's last-accessed timestamp.
func (s *SQLiteStore) TouchProgress(userID string) error {
	_, err := s.db.Exec(`UPDATE user_progress SET last_accessed = ? WHERE user_id = ?`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to touch progress record: %w", err)
	}
	return nil
}

// AppendHistory appends an entry and trims the log to the cap within one
// transaction, keeping the newest entries.
func (s *SQLiteStore) AppendHistory(userID, sender, text string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO conversation_history (id, user_id, sender, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, sender, text, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendHistory: insert failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	_, err = tx.Exec(
		`DELETE FROM conversation_history WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM conversation_history WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		 )`,
		userID, userID, models.MaxHistoryEntries,
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendHistory: trim failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history append: %w", err)
	}
	return nil
}

// GetHistory returns the user's conversation log in chronological order.
func (s *SQLiteStore) GetHistory(userID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, text, created_at FROM conversation_history WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		slog.Error("SQLiteStore.GetHistory: query failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Sender, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

// SaveLessonChunks stores embedded lesson chunks in one transaction.
func (s *SQLiteStore) SaveLessonChunks(chunks []models.LessonChunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO lesson_chunks (id, lesson_id, lesson_title, text, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		embRaw, err := marshalEmbedding(c.Embedding)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(c.ID, c.LessonID, c.LessonTitle, c.Text, embRaw); err != nil {
			slog.Error("SQLiteStore.SaveLessonChunks: insert failed", "lessonID", c.LessonID, "error", err)
			return fmt.Errorf("failed to insert lesson chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lesson chunks: %w", err)
	}
	slog.Info("SQLiteStore.SaveLessonChunks: chunks saved", "count", len(chunks))
	return nil
}

// GetLessonChunks returns all chunks for a lesson.
func (s *SQLiteStore) GetLessonChunks(lessonID int) ([]models.LessonChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, lesson_id, lesson_title, text, embedding FROM lesson_chunks WHERE lesson_id = ?`, lessonID)
	if err != nil {
		slog.Error("SQLiteStore.GetLessonChunks: query failed", "lessonID", lessonID, "error", err)
		return nil, fmt.Errorf("failed to query lesson chunks: %w", err)
	}
	defer rows.Close()

	return scanChunkRows(rows)
}

// ListLessons summarizes the ingested corpus ordered by lesson ID.
func (s *SQLiteStore) ListLessons() ([]models.LessonInfo, error) {
	rows, err := s.db.Query(
		`SELECT lesson_id, MIN(lesson_title), COUNT(*) FROM lesson_chunks GROUP BY lesson_id ORDER BY lesson_id ASC`)
	if err != nil {
		slog.Error("SQLiteStore.ListLessons: query failed", "error", err)
		return nil, fmt.Errorf("failed to query lessons: %w", err)
	}
	defer rows.Close()

	return scanLessonRows(rows)
}

// GetFlowState retrieves the phase marker for a participant, or nil if none
// has been saved.
func (s *SQLiteStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, flow_type, current_state, created_at, updated_at
		 FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)

	var st models.FlowState
	err := row.Scan(&st.ParticipantID, &st.FlowType, &st.CurrentState, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlowState: scan failed", "participantID", participantID, "error", err)
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}
	return &st, nil
}

// SaveFlowState stores or updates the phase marker for a participant.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO flow_states (participant_id, flow_type, current_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(participant_id, flow_type) DO UPDATE SET current_state = excluded.current_state, updated_at = excluded.updated_at`,
		state.ParticipantID, string(state.FlowType), string(state.CurrentState), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveFlowState: upsert failed", "participantID", state.ParticipantID, "error", err)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	slog.Debug("SQLiteStore.SaveFlowState: saved", "participantID", state.ParticipantID, "state", state.CurrentState)
	return nil
}

// DeleteFlowState removes the phase marker for a participant.
func (s *SQLiteStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(
		`DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	if err != nil {
		slog.Error("SQLiteStore.DeleteFlowState: delete failed", "participantID", participantID, "error", err)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanChunkRows converts lesson_chunks rows into models. Shared by both SQL
// backends since the column order is identical.
func scanChunkRows(rows *sql.Rows) ([]models.LessonChunk, error) {
	chunks := []models.LessonChunk{}
	for rows.Next() {
		var c models.LessonChunk
		var embRaw string
		if err := rows.Scan(&c.ID, &c.LessonID, &c.LessonTitle, &c.Text, &embRaw); err != nil {
			return nil, fmt.Errorf("failed to scan lesson chunk: %w", err)
		}
		emb, err := unmarshalEmbedding(embRaw)
		if err != nil {
			return nil, err
		}
		c.Embedding = emb
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lesson chunks: %w", err)
	}
	return chunks, nil
}

// scanLessonRows converts grouped lesson summary rows into models.
func scanLessonRows(rows *sql.Rows) ([]models.LessonInfo, error) {
	lessons := []models.LessonInfo{}
	for rows.Next() {
		var l models.LessonInfo
		if err := rows.Scan(&l.LessonID, &l.Title, &l.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan lesson summary: %w", err)
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lesson summaries: %w", err)
	}
	return lessons, nil
}
