package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed Store for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store, applying any provided
// options, and runs the embedded schema migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("Postgres store requires a DSN")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore.New: failed to open database", "error", err)
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("PostgresStore.New: failed to ping database", "error", err)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		slog.Error("PostgresStore.New: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
	}

	slog.Info("PostgresStore.New: store initialized")
	return &PostgresStore{db: db}, nil
}

// GetOrCreateProgress returns the user's progress record, creating it at
// lesson 1 on first contact.
func (s *PostgresStore) GetOrCreateProgress(userID string) (*models.UserProgress, error) {
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
		 VALUES ($1, 1, '[]', '{}', $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.GetOrCreateProgress: insert failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}

	p, err = s.getProgress(userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("progress record missing after insert for user %s", userID)
	}
	slog.Debug("PostgresStore.GetOrCreateProgress: record ready", "userID", userID, "currentLesson", p.CurrentLessonID)
	return p, nil
}

func (s *PostgresStore) getProgress(userID string) (*models.UserProgress, error) {
	row := s.db.QueryRow(
		`SELECT user_id, current_lesson_id, completed_lessons, lesson_scores, created_at, last_accessed
		 FROM user_progress WHERE user_id = $1`, userID)

	var p models.UserProgress
	var lessonsRaw, scoresRaw string
	err := row.Scan(&p.UserID, &p.CurrentLessonID, &lessonsRaw, &scoresRaw, &p.CreatedAt, &p.LastAccessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.getProgress: scan failed", "userID", userID, "error", err)
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
// locking the row so concurrent graders cannot interleave.
func (s *PostgresStore) UpdateProgress(userID string, lessonID int, score float64, advanced bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT current_lesson_id, completed_lessons, lesson_scores FROM user_progress WHERE user_id = $1 FOR UPDATE`, userID)

	var p models.UserProgress
	var lessonsRaw, scoresRaw string
	if err := row.Scan(&p.CurrentLessonID, &lessonsRaw, &scoresRaw); err != nil {
		slog.Error("PostgresStore.UpdateProgress: read failed", "userID", userID, "error", err)
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
		`UPDATE user_progress SET current_lesson_id = $1, completed_lessons = $2, lesson_scores = $3, last_accessed = $4
		 WHERE user_id = $5`,
		p.CurrentLessonID, lessonsRaw, scoresRaw, time.Now().UTC(), userID,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateProgress: update failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to update progress record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress update: %w", err)
	}
	slog.Debug("PostgresStore.UpdateProgress: updated", "userID", userID, "lessonID", lessonID, "score", score, "advanced", advanced)
	return nil
}

// TouchProgress updates the user's last-accessed timestamp.
func (s *PostgresStore) TouchProgress(userID string) error {
	_, err := s.db.Exec(`UPDATE user_progress SET last_accessed = $1 WHERE user_id = $2`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to touch progress record: %w", err)
	}
	return nil
}

// AppendHistory appends an entry and trims the log to the cap within one
// transaction, keeping the newest entries.
func (s *PostgresStore) AppendHistory(userID, sender, text string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO conversation_history (id, user_id, sender, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), userID, sender, text, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.AppendHistory: insert failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	_, err = tx.Exec(
		`DELETE FROM conversation_history WHERE user_id = $1 AND seq NOT IN (
			SELECT seq FROM conversation_history WHERE user_id = $2 ORDER BY seq DESC LIMIT $3
		 )`,
		userID, userID, models.MaxHistoryEntries,
	)
	if err != nil {
		slog.Error("PostgresStore.AppendHistory: trim failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history append: %w", err)
	}
	return nil
}

// GetHistory returns the user's conversation log in chronological order.
func (s *PostgresStore) GetHistory(userID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, text, created_at FROM conversation_history WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		slog.Error("PostgresStore.GetHistory: query failed", "userID", userID, "error", err)
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
func (s *PostgresStore) SaveLessonChunks(chunks []models.LessonChunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO lesson_chunks (id, lesson_id, lesson_title, text, embedding) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET lesson_id = excluded.lesson_id, lesson_title = excluded.lesson_title,
		 text = excluded.text, embedding = excluded.embedding`)
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
			slog.Error("PostgresStore.SaveLessonChunks: insert failed", "lessonID", c.LessonID, "error", err)
			return fmt.Errorf("failed to insert lesson chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lesson chunks: %w", err)
	}
	slog.Info("PostgresStore.SaveLessonChunks: chunks saved", "count", len(chunks))
	return nil
}

// GetLessonChunks returns all chunks for a lesson.
func (s *PostgresStore) GetLessonChunks(lessonID int) ([]models.LessonChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, lesson_id, lesson_title, text, embedding FROM lesson_chunks WHERE lesson_id = $1`, lessonID)
	if err != nil {
		slog.Error("PostgresStore.GetLessonChunks: query failed", "lessonID", lessonID, "error", err)
		return nil, fmt.Errorf("failed to query lesson chunks: %w", err)
	}
	defer rows.Close()

	return scanChunkRows(rows)
}

// ListLessons summarizes the ingested corpus ordered by lesson ID.
func (s *PostgresStore) ListLessons() ([]models.LessonInfo, error) {
	rows, err := s.db.Query(
		`SELECT lesson_id, MIN(lesson_title), COUNT(*) FROM lesson_chunks GROUP BY lesson_id ORDER BY lesson_id ASC`)
	if err != nil {
		slog.Error("PostgresStore.ListLessons: query failed", "error", err)
		return nil, fmt.Errorf("failed to query lessons: %w", err)
	}
	defer rows.Close()

	return scanLessonRows(rows)
}

// GetFlowState retrieves the phase marker for a participant, or nil if none
// has been saved.
func (s *PostgresStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, flow_type, current_state, created_at, updated_at
		 FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)

	var st models.FlowState
	err := row.Scan(&st.ParticipantID, &st.FlowType, &st.CurrentState, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlowState: scan failed", "participantID", participantID, "error", err)
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}
	return &st, nil
}

// SaveFlowState stores or updates the phase marker for a participant.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO flow_states (participant_id, flow_type, current_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id, flow_type) DO UPDATE SET current_state = excluded.current_state, updated_at = excluded.updated_at`,
		state.ParticipantID, string(state.FlowType), string(state.CurrentState), now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveFlowState: upsert failed", "participantID", state.ParticipantID, "error", err)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	slog.Debug("PostgresStore.SaveFlowState: saved", "participantID", state.ParticipantID, "state", state.CurrentState)
	return nil
}

// DeleteFlowState removes the phase marker for a participant.
func (s *PostgresStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(
		`DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	if err != nil {
		slog.Error("PostgresStore.DeleteFlowState: delete failed", "participantID", participantID, "error", err)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
