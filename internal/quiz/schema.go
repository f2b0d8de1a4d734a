// Package quiz generates and grades lesson quizzes. A quiz is always five
// questions: three multiple-choice, one fill-in-the-blank, and one short
// answer. Generation asks the model for JSON and validates it against a
// schema before the shape check; grading is exact-match for the closed-form
// kinds and model-judged for short answers.
package quiz

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// quizSchemaJSON constrains the raw model output before the stricter shape
// check in validateShape.
const quizSchemaJSON = `{
	"type": "object",
	"required": ["questions"],
	"properties": {
		"questions": {
			"type": "array",
			"minItems": 5,
			"maxItems": 5,
			"items": {
				"type": "object",
				"required": ["kind", "prompt", "correct_answer"],
				"properties": {
					"kind": {"type": "string", "enum": ["multiple_choice", "fill_blank", "short_answer"]},
					"prompt": {"type": "string", "minLength": 1},
					"choices": {"type": "array", "items": {"type": "string"}},
					"correct_answer": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// verdictSchemaJSON constrains the short-answer grading verdict.
const verdictSchemaJSON = `{
	"type": "object",
	"required": ["correct"],
	"properties": {
		"correct": {"type": "boolean"},
		"feedback": {"type": "string"}
	}
}`

var (
	compileOnce   sync.Once
	quizSchema    *jsonschema.Schema
	verdictSchema *jsonschema.Schema
	compileErr    error
)

// compiledSchemas compiles both schemas once; the definitions are constants
// so a compile failure is a programming error surfaced on first use.
func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		quizSchema, compileErr = compileSchema("quiz", quizSchemaJSON)
		if compileErr != nil {
			return
		}
		verdictSchema, compileErr = compileSchema("verdict", verdictSchemaJSON)
	})
	return quizSchema, verdictSchema, compileErr
}

func compileSchema(name, definition string) (*jsonschema.Schema, error) {
	var parsed any
	if err := json.Unmarshal([]byte(definition), &parsed); err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("schema://%s.json", name)
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// validateJSON parses raw JSON and validates it against the compiled schema.
// The parsed value is returned for further decoding.
func validateJSON(schema *jsonschema.Schema, raw string) (any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return parsed, nil
}
