package flow

import (
	"sync"

	"github.com/BTreeMap/TutorPipe/internal/models"
)

// quizSession holds an in-progress quiz for one user. Questions and answers
// live only in process memory; they are never written to the store.
type quizSession struct {
	LessonID    int
	LessonTitle string
	Questions   []models.QuizQuestion
	Answers     []string
}

// sessionCache maps user IDs to their in-progress quiz sessions.
type sessionCache struct {
	mu       sync.Mutex
	sessions map[string]*quizSession
}

func newSessionCache() *sessionCache {
	return &sessionCache{sessions: make(map[string]*quizSession)}
}

func (c *sessionCache) get(userID string) *quizSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[userID]
}

func (c *sessionCache) put(userID string, s *quizSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[userID] = s
}

func (c *sessionCache) drop(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
}
