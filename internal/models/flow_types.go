// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of tutoring flow
type FlowType string

// StateType represents a specific phase within a flow
type StateType string

// Flow type constants.
const (
	FlowTypeTeaching FlowType = "teaching"
)

// Phase constants for the teaching flow. StateTeaching is both the initial
// phase on first contact and the phase resumed into when a new lesson starts.
// Grading happens within a single turn (the fifth answer is evaluated and the
// phase returns to StateTeaching before the turn completes), so it never
// appears as a persisted phase.
const (
	StateTeaching            StateType = "TEACHING"
	StateAwaitingQuizAnswers StateType = "AWAITING_QUIZ_ANSWERS"
)
