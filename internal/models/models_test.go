package models

import (
	"strings"
	"testing"
)

func TestStepRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     StepRequest
		wantErr error
	}{
		{
			name: "valid request",
			req:  StepRequest{UserID: "u1", Message: "hello", Source: SourceUI},
		},
		{
			name:    "empty user ID",
			req:     StepRequest{Message: "hello"},
			wantErr: ErrEmptyUserID,
		},
		{
			name:    "empty message",
			req:     StepRequest{UserID: "u1"},
			wantErr: ErrEmptyMessage,
		},
		{
			name:    "message too long",
			req:     StepRequest{UserID: "u1", Message: strings.Repeat("x", MaxMessageLength+1)},
			wantErr: ErrMessageTooLong,
		},
		{
			name:    "invalid source",
			req:     StepRequest{UserID: "u1", Message: "hello", Source: "carrier-pigeon"},
			wantErr: ErrInvalidSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepRequestValidateDefaultsSource(t *testing.T) {
	req := StepRequest{UserID: "u1", Message: "hello"}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() returned unexpected error: %v", err)
	}
	if req.Source != SourceUI {
		t.Errorf("expected empty source to default to %q, got %q", SourceUI, req.Source)
	}
}

func TestIsValidQuizKind(t *testing.T) {
	for _, k := range []QuizKind{QuizKindMultipleChoice, QuizKindFillBlank, QuizKindShortAnswer} {
		if !IsValidQuizKind(k) {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if IsValidQuizKind("essay") {
		t.Error("expected unknown kind to be invalid")
	}
}
