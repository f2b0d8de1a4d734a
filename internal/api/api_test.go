package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
	"github.com/BTreeMap/TutorPipe/internal/store"
)

// stubFlow is a scriptable TurnService.
type stubFlow struct {
	result *models.StepResult
	err    error
}

func (s *stubFlow) Step(ctx context.Context, userID, utterance string, source models.Source) (*models.StepResult, error) {
	return s.result, s.err
}

func newTestServer(flow TurnService, st store.Store) *Server {
	if st == nil {
		st = store.NewInMemoryStore()
	}
	loader := retrieval.NewLoader(st, genai.NewMockClient())
	return NewServer(flow, st, loader, WithAddr(":0"))
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&stubFlow{}, nil)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleTurnSuccess(t *testing.T) {
	flow := &stubFlow{result: &models.StepResult{
		Reply:       "hello there",
		Phase:       models.StateTeaching,
		LessonID:    1,
		LessonTitle: "Variables",
	}}
	s := newTestServer(flow, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/turns", models.StepRequest{
		UserID:  "u1",
		Message: "hi",
		Source:  models.SourceUI,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T", resp.Result)
	}
	if result["reply"] != "hello there" {
		t.Errorf("unexpected reply: %v", result["reply"])
	}
	if result["phase"] != string(models.StateTeaching) {
		t.Errorf("unexpected phase: %v", result["phase"])
	}
}

func TestHandleTurnValidation(t *testing.T) {
	s := newTestServer(&stubFlow{}, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing user", models.StepRequest{Message: "hi"}},
		{"missing message", models.StepRequest{UserID: "u1"}},
		{"bad source", models.StepRequest{UserID: "u1", Message: "hi", Source: "telegraph"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/turns", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandleTurnInvalidJSON(t *testing.T) {
	s := newTestServer(&stubFlow{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTurnErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{fmt.Errorf("wrap: %w", models.ErrLessonNotIngested), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", models.ErrGenerationFailed), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", models.ErrQuizGenerationFailed), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", models.ErrQuizEvaluationFailed), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", models.ErrPersistenceFailed), http.StatusInternalServerError},
		{fmt.Errorf("something else entirely"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		s := newTestServer(&stubFlow{err: tt.err}, nil)
		rec := doRequest(t, s, http.MethodPost, "/api/v1/turns", models.StepRequest{
			UserID: "u1", Message: "hi", Source: models.SourceUI,
		})
		if rec.Code != tt.wantStatus {
			t.Errorf("error %v: expected %d, got %d", tt.err, tt.wantStatus, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Status != string(models.APIStatusError) {
			t.Errorf("error %v: expected error status, got %q", tt.err, resp.Status)
		}
	}
}

func TestHandleProgress(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.GetOrCreateProgress("u1"); err != nil {
		t.Fatalf("GetOrCreateProgress failed: %v", err)
	}
	if err := st.UpdateProgress("u1", 1, 0.8, true); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if err := st.AppendHistory("u1", models.SenderUser, "hi"); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	s := newTestServer(&stubFlow{}, st)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/users/u1/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	resp := decodeResponse(t, rec)
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %T", resp.Result)
	}
	if result["current_lesson_id"] != float64(2) {
		t.Errorf("expected lesson 2, got %v", result["current_lesson_id"])
	}
	history, ok := result["conversation_history"].([]any)
	if !ok || len(history) != 1 {
		t.Errorf("expected 1 history entry, got %v", result["conversation_history"])
	}
}

func TestHandleHistory(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.AppendHistory("u1", models.SenderUser, "hi"); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := st.AppendHistory("u1", models.SenderAssistant, "hello"); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	s := newTestServer(&stubFlow{}, st)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/users/u1/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	resp := decodeResponse(t, rec)
	entries, ok := resp.Result.([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %v", resp.Result)
	}
}

func TestHandleLessons(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveLessonChunks([]models.LessonChunk{
		{LessonID: 1, LessonTitle: "Variables", Text: "t", Embedding: []float64{1}},
	}); err != nil {
		t.Fatalf("SaveLessonChunks failed: %v", err)
	}

	s := newTestServer(&stubFlow{}, st)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/lessons", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	resp := decodeResponse(t, rec)
	lessons, ok := resp.Result.([]any)
	if !ok || len(lessons) != 1 {
		t.Fatalf("expected 1 lesson, got %v", resp.Result)
	}
}

func TestHandleIngestValidation(t *testing.T) {
	s := newTestServer(&stubFlow{}, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/lessons/ingest", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing dir, got %d", rec.Code)
	}
}

func TestHandleIngest(t *testing.T) {
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	s := newTestServer(&stubFlow{}, st)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/lessons/ingest", map[string]string{"dir": dir})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusRecorded) {
		t.Errorf("expected recorded status, got %q", resp.Status)
	}
}
